package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(start)
	require.Equal(t, start, c.Now())

	c.Advance(time.Minute)
	require.NoError(t, c.Sleep(context.Background(), time.Second))
	require.Equal(t, start.Add(time.Minute+time.Second), c.Now())
	require.Equal(t, []time.Duration{time.Second}, c.Sleeps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
}
