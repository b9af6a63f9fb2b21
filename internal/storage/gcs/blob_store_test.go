package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "storage client is required")

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestKeyJoinsPrefix(t *testing.T) {
	t.Parallel()

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	tests := []struct {
		prefix, name, want string
	}{
		{"", "example.com/a.html", "example.com/a.html"},
		{"/snapshots/", "example.com/a.html", "snapshots/example.com/a.html"},
		{"snapshots", "/example.com/a.html", "snapshots/example.com/a.html"},
	}
	for _, tt := range tests {
		store, err := New(client, Config{Bucket: "b", Prefix: tt.prefix})
		require.NoError(t, err)
		assert.Equal(t, tt.want, store.Key(tt.name))
	}

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "text/html", nil)
	require.ErrorContains(t, err, "path is required")
}
