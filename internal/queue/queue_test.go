package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/clock/fake"
	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/policy"
	"github.com/JakeFAU/crawlindex/internal/storage/memory"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type brokenStore struct {
	crawler.DocumentStore
}

func (brokenStore) Queue(context.Context, crawler.QueueRequest) (crawler.Document, error) {
	return crawler.Document{}, errors.New("connection reset")
}

func newService(t *testing.T, store crawler.DocumentStore) *Service {
	t.Helper()
	resolver, err := policy.NewResolver([]crawler.Policy{
		{URLRegex: `^https://params\.example/`, KeepParams: true},
		{URLRegex: `^https?://[^/]*example\.com/`},
	})
	require.NoError(t, err)
	return New(store, resolver, zap.NewNop())
}

func TestSeed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(fake.New(epoch))
	svc := newService(t, store)

	results, err := svc.Seed(context.Background(), []string{
		"HTTP://Example.COM/a?utm=1#top",
		"https://params.example/search?q=go",
		"://broken",
		"https://elsewhere.org/",
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	require.NotNil(t, results[0].Document)
	assert.Equal(t, "http://example.com/a", results[0].Document.URL)
	assert.Equal(t, 0, results[0].Document.Depth)
	assert.Equal(t, 0, results[0].Document.Recurse)
	assert.Equal(t, crawler.StatusQueued, results[0].Document.Status)

	require.NotNil(t, results[1].Document)
	assert.Equal(t, "https://params.example/search?q=go", results[1].Document.URL)

	assert.Nil(t, results[2].Document)
	assert.Contains(t, results[2].Error, "invalid url")

	assert.Nil(t, results[3].Document)
	assert.Contains(t, results[3].Error, "no policy matches url")

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[crawler.StatusQueued])
}

func TestSeedIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(fake.New(epoch))
	svc := newService(t, store)

	first, err := svc.Seed(context.Background(), []string{"http://example.com/"})
	require.NoError(t, err)
	second, err := svc.Seed(context.Background(), []string{"http://example.com/#again"})
	require.NoError(t, err)
	assert.Equal(t, first[0].Document.ID, second[0].Document.ID)
}

func TestSeedStopsOnStoreFailure(t *testing.T) {
	t.Parallel()

	svc := newService(t, brokenStore{})
	results, err := svc.Seed(context.Background(), []string{"http://example.com/a", "http://example.com/b"})
	require.ErrorContains(t, err, "queue http://example.com/a: connection reset")
	assert.Empty(t, results)
}

func TestRecrawlForcesDueNow(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	store := memory.NewStore(clk)
	svc := newService(t, store)
	ctx := context.Background()

	_, err := svc.Seed(ctx, []string{"http://example.com/page"})
	require.NoError(t, err)
	claimed, err := store.ClaimNext(ctx, "w1", clk.Now())
	require.NoError(t, err)

	done := epoch.Add(time.Minute)
	later := epoch.Add(24 * time.Hour)
	claimed.Status = crawler.StatusIndexed
	claimed.CrawlLast = &done
	claimed.CrawlNext = &later
	_, err = store.SaveOutcome(ctx, claimed, false)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	doc, err := svc.Recrawl(ctx, "http://EXAMPLE.com/page")
	require.NoError(t, err)
	assert.Equal(t, claimed.ID, doc.ID)
	assert.Equal(t, crawler.StatusQueued, doc.Status)
	require.NotNil(t, doc.CrawlNext)
	assert.Equal(t, clk.Now(), *doc.CrawlNext)
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	svc := newService(t, memory.NewStore(fake.New(epoch)))

	got, p, err := svc.Canonical("https://params.example/x?b=2&a=1")
	require.NoError(t, err)
	assert.True(t, p.KeepParams)
	assert.Contains(t, got, "?")

	_, _, err = svc.Canonical("ftp://nowhere.test/")
	require.ErrorIs(t, err, crawler.ErrNoPolicyMatch)
}
