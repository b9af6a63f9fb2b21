package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

func TestPublishRecordsEventsPerTopic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	crawled := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	pub := New()

	id, err := pub.Publish(ctx, "documents", crawler.DocumentChanged{URL: "http://a/", Hash: "h1", LinkCount: 2, CrawledAt: crawled})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
	id, err = pub.Publish(ctx, "audit", &crawler.DocumentChanged{URL: "http://b/", Hash: "h2"})
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id)
	_, err = pub.Publish(ctx, "documents", crawler.DocumentChanged{URL: "http://c/", Hash: "h3"})
	require.NoError(t, err)

	assert.Equal(t, []string{"http://a/", "http://c/"}, pub.URLs("documents"))
	assert.Equal(t, []string{"http://b/"}, pub.URLs("audit"))
	assert.Empty(t, pub.Topic("missing"))

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	var decoded crawler.DocumentChanged
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, msgs[0].Event, decoded)
	assert.JSONEq(t, `{"url":"http://a/","hash":"h1","link_count":2,"crawled_at":"2024-03-01T12:00:00Z"}`, string(msgs[0].Data))

	msgs[0].Topic = "modified"
	assert.Equal(t, "documents", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublishRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		topic   string
		payload any
		wantErr string
	}{
		{name: "no topic", payload: crawler.DocumentChanged{URL: "http://a/"}, wantErr: "topic is required"},
		{name: "wrong type", topic: "documents", payload: map[string]string{"k": "v"}, wantErr: "unsupported payload map[string]string"},
		{name: "nil event", topic: "documents", payload: (*crawler.DocumentChanged)(nil), wantErr: "nil change event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pub := New()
			_, err := pub.Publish(context.Background(), tt.topic, tt.payload)
			require.EqualError(t, err, tt.wantErr)
			assert.Empty(t, pub.Messages())
		})
	}
}
