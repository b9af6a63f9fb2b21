package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	id, err := New("").NewID()
	require.NoError(t, err)
	parsed, err := goUUID.Parse(id)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestGeneratorPrefix(t *testing.T) {
	t.Parallel()

	g := New("worker")
	a, err := g.NewID()
	require.NoError(t, err)
	b, err := g.NewID()
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(a, "worker-"))
	require.NotEqual(t, a, b)
	_, err = goUUID.Parse(strings.TrimPrefix(a, "worker-"))
	require.NoError(t, err)
}
