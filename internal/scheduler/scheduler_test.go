package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/clock/fake"
	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/domainstate"
	"github.com/JakeFAU/crawlindex/internal/hash/sha256"
	"github.com/JakeFAU/crawlindex/internal/lang"
	"github.com/JakeFAU/crawlindex/internal/policy"
	pubmem "github.com/JakeFAU/crawlindex/internal/publisher/memory"
	"github.com/JakeFAU/crawlindex/internal/storage/memory"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]crawler.FetchResult
	calls []string
	hook  func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string]crawler.FetchResult)}
}

func (f *fakeFetcher) html(u, body string) {
	f.set(u, crawler.Ok(crawler.Page{URL: u, Content: []byte(body), Mimetype: "text/html", StatusCode: 200}))
}

func (f *fakeFetcher) set(u string, r crawler.FetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[u] = r
}

func (f *fakeFetcher) Fetch(_ context.Context, u string, _ crawler.Policy, _ crawler.DomainSetting) crawler.FetchResult {
	f.mu.Lock()
	f.calls = append(f.calls, u)
	r, ok := f.pages[u]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(u)
	}
	if !ok {
		return crawler.Fatal(fmt.Errorf("no page for %s", u))
	}
	return r
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type robotsStub struct {
	body string
}

func (r robotsStub) Get(_ context.Context, u string, _ crawler.GetOptions) (crawler.Page, error) {
	return crawler.Page{URL: u, StatusCode: 200, Content: []byte(r.body)}, nil
}

func (robotsStub) PostForm(context.Context, string, url.Values) (crawler.Page, error) {
	return crawler.Page{}, errors.New("not supported")
}

func (robotsStub) Authenticate(context.Context, crawler.Page, string, crawler.Auth) (crawler.Page, error) {
	return crawler.Page{}, errors.New("not supported")
}

func (robotsStub) Close() error { return nil }

type recordingHook struct {
	mu    sync.Mutex
	pages []string
	err   error
}

func (h *recordingHook) AfterFetch(_ context.Context, page crawler.Page, _ crawler.Policy) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages = append(h.pages, page.URL)
	return h.err
}

// flakyStore fails Queue calls while queueErr is set.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	queueErr error
}

func (f *flakyStore) failQueue(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueErr = err
}

func (f *flakyStore) Queue(ctx context.Context, req crawler.QueueRequest) (crawler.Document, error) {
	f.mu.Lock()
	err := f.queueErr
	f.mu.Unlock()
	if err != nil {
		return crawler.Document{}, err
	}
	return f.Store.Queue(ctx, req)
}

type harness struct {
	store    *memory.Store
	flaky    *flakyStore
	clock    *fake.Clock
	fetch    *fakeFetcher
	pub      *pubmem.Publisher
	resolver *policy.Resolver
	tracker  *domainstate.Tracker
	hooks    []crawler.PostFetchHook
	sched    *Scheduler
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	robots string
	hooks  []crawler.PostFetchHook
}

func withRobots(body string) harnessOption {
	return func(c *harnessConfig) { c.robots = body }
}

func withHooks(hooks ...crawler.PostFetchHook) harnessOption {
	return func(c *harnessConfig) { c.hooks = hooks }
}

func newHarness(t *testing.T, rules []crawler.Policy, opts ...harnessOption) *harness {
	t.Helper()
	var hc harnessConfig
	for _, o := range opts {
		o(&hc)
	}

	resolver, err := policy.NewResolver(rules)
	require.NoError(t, err)

	clock := fake.New(epoch)
	store := memory.NewStore(clock)
	trackerCfg := domainstate.Config{UserAgent: "crawlindex", IgnoreRobots: hc.robots == ""}
	tracker := domainstate.New(store, robotsStub{body: hc.robots}, clock, trackerCfg, zap.NewNop())

	h := &harness{
		store:    store,
		flaky:    &flakyStore{Store: store},
		clock:    clock,
		fetch:    newFakeFetcher(),
		pub:      pubmem.New(),
		resolver: resolver,
		tracker:  tracker,
		hooks:    hc.hooks,
	}
	h.sched = h.worker("w1")
	return h
}

// worker builds another scheduler sharing the harness store and fetcher.
func (h *harness) worker(id string) *Scheduler {
	return New(h.flaky, h.resolver, h.tracker, h.fetch, sha256.New(), lang.New(20), h.pub, h.hooks, h.clock,
		Config{WorkerID: id, Topic: "documents", IdlePoll: time.Millisecond}, zap.NewNop())
}

func (h *harness) seed(t *testing.T, urls ...string) {
	t.Helper()
	for _, u := range urls {
		_, err := h.store.Queue(context.Background(), crawler.QueueRequest{URL: u})
		require.NoError(t, err)
	}
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	steps := 0
	for ; steps < 100; steps++ {
		found, err := h.sched.Step(context.Background())
		require.NoError(t, err)
		if !found {
			return steps
		}
	}
	t.Fatalf("queue did not drain")
	return steps
}

func (h *harness) doc(t *testing.T, u string) crawler.Document {
	t.Helper()
	doc, err := h.store.Get(context.Background(), u)
	require.NoError(t, err, u)
	return doc
}

func (h *harness) links(t *testing.T, u string) []crawler.Link {
	t.Helper()
	links, err := h.store.Links(context.Background(), h.doc(t, u).ID)
	require.NoError(t, err)
	return links
}

func crawlAll() []crawler.Policy {
	return []crawler.Policy{{URLRegex: policy.CatchAll, Eligibility: crawler.CrawlAlways}}
}

func TestStepIndexesRootAndQueuesLink(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawlAll())
	h.fetch.html("http://127.0.0.1/", `Root <a href="/page1/">Link1</a>`)
	h.fetch.html("http://127.0.0.1/page1/", `<title>Page one</title>Page1`)
	h.seed(t, "http://127.0.0.1/")

	assert.Equal(t, 2, h.drain(t))

	root := h.doc(t, "http://127.0.0.1/")
	assert.Equal(t, crawler.StatusIndexed, root.Status)
	assert.Equal(t, "Root Link1", root.Content)
	assert.Equal(t, "http://127.0.0.1/", root.Title)
	assert.Equal(t, "text/html", root.Mimetype)
	assert.Equal(t, 1, root.LinkCount)
	assert.NotEmpty(t, root.ContentHash)
	require.NotNil(t, root.CrawlFirst)
	assert.Equal(t, epoch, *root.CrawlLast)

	page1 := h.doc(t, "http://127.0.0.1/page1/")
	assert.Equal(t, crawler.StatusIndexed, page1.Status)
	assert.Equal(t, 1, page1.Depth)
	assert.Equal(t, "Page one", page1.Title)

	links := h.links(t, "http://127.0.0.1/")
	require.Len(t, links, 1)
	assert.Equal(t, "Link1", links[0].Text)
	assert.Equal(t, 5, links[0].Offset)
	assert.Equal(t, 0, links[0].Ordinal)
	require.NotNil(t, links[0].TargetID)
	assert.Equal(t, page1.ID, *links[0].TargetID)
	assert.Empty(t, links[0].ExternURL)

	events := h.pub.Topic("documents")
	require.Len(t, events, 2)
	assert.Equal(t, "http://127.0.0.1/", events[0].URL)
	assert.Equal(t, root.ContentHash, events[0].Hash)
	assert.Equal(t, 1, events[0].LinkCount)
	assert.Equal(t, epoch, events[0].CrawledAt)
}

func TestCrawlingTwiceKeepsOneDocumentPerURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawlAll())
	h.fetch.html("http://127.0.0.1/", `Root <a href="/page1/">Link1</a> <a href="/page1/#top">again</a>`)
	h.fetch.html("http://127.0.0.1/page1/", `Page1 <a href="/">home</a>`)
	h.seed(t, "http://127.0.0.1/")
	h.drain(t)

	first := h.doc(t, "http://127.0.0.1/")
	h.seed(t, "http://127.0.0.1/")
	again := h.doc(t, "http://127.0.0.1/")
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 0, h.drain(t), "an indexed document is not re-queued by seeding it again")

	h.clock.Advance(25 * time.Hour)
	assert.Equal(t, 2, h.drain(t))

	stats, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[crawler.DocStatus]int{crawler.StatusIndexed: 2}, stats.ByStatus)
	assert.Len(t, h.pub.Topic("documents"), 2, "unchanged content publishes nothing")

	again = h.doc(t, "http://127.0.0.1/")
	assert.Equal(t, 48*time.Hour, again.CrawlDT, "unchanged content doubles the interval")
}

func TestRecrawlReplacesLinkSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawlAll())
	h.fetch.html("http://127.0.0.1/", `<a href="/a">A</a> <a href="/b">B</a>`)
	h.fetch.html("http://127.0.0.1/a", "a")
	h.fetch.html("http://127.0.0.1/b", "b")
	h.fetch.html("http://127.0.0.1/c", "c")
	h.seed(t, "http://127.0.0.1/")
	h.drain(t)
	require.Len(t, h.links(t, "http://127.0.0.1/"), 2)

	h.fetch.html("http://127.0.0.1/", `<a href="/a">A</a> <a href="/c">C</a>`)
	h.clock.Advance(25 * time.Hour)
	h.drain(t)

	var targets []int64
	for _, l := range h.links(t, "http://127.0.0.1/") {
		require.NotNil(t, l.TargetID)
		targets = append(targets, *l.TargetID)
	}
	assert.ElementsMatch(t, []int64{h.doc(t, "http://127.0.0.1/a").ID, h.doc(t, "http://127.0.0.1/c").ID}, targets)
}

func TestFailedExtractionKeepsPreviousVersion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawlAll())
	h.fetch.html("http://127.0.0.1/", `v1 <a href="/a">A</a>`)
	h.fetch.html("http://127.0.0.1/a", "a")
	h.fetch.html("http://127.0.0.1/b", "b")
	h.seed(t, "http://127.0.0.1/")
	h.drain(t)
	indexed := h.doc(t, "http://127.0.0.1/")

	h.fetch.html("http://127.0.0.1/", `v2 <a href="/b">B</a>`)
	h.flaky.failQueue(errors.New("connection reset"))
	h.clock.Advance(25 * time.Hour)
	h.drain(t)

	failed := h.doc(t, "http://127.0.0.1/")
	assert.Equal(t, crawler.StatusErrored, failed.Status)
	assert.Contains(t, failed.Error, "connection reset")
	assert.Equal(t, "v1 A", failed.Content)
	assert.Equal(t, indexed.ContentHash, failed.ContentHash)
	assert.Empty(t, failed.WorkerID)
	links := h.links(t, "http://127.0.0.1/")
	require.Len(t, links, 1)
	assert.Equal(t, h.doc(t, "http://127.0.0.1/a").ID, *links[0].TargetID)
	require.NotNil(t, failed.CrawlNext)

	h.flaky.failQueue(nil)
	h.clock.Advance(25 * time.Hour)
	h.drain(t)

	recrawled := h.doc(t, "http://127.0.0.1/")
	assert.Equal(t, crawler.StatusIndexed, recrawled.Status)
	assert.Equal(t, "v2 B", recrawled.Content)
	b := h.doc(t, "http://127.0.0.1/b")
	assert.Equal(t, crawler.StatusIndexed, b.Status)
	links = h.links(t, "http://127.0.0.1/")
	require.Len(t, links, 1)
	assert.Equal(t, b.ID, *links[0].TargetID)
	assert.Len(t, h.pub.Topic("documents"), 4, "the failed attempt announces nothing")
}

func TestDepthBudgetLimitsDescent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Policy{
		{URLRegex: `^http://127\.0\.0\.1/`, Eligibility: crawler.CrawlAlways, CrawlDepth: 2},
		{URLRegex: `^http://127\.0\.0\.2/`, Eligibility: crawler.CrawlOnDepth},
		{URLRegex: policy.CatchAll, Eligibility: crawler.CrawlNever},
	})
	h.fetch.html("http://127.0.0.1/", `<a href="http://127.0.0.2/page1/">p1</a>`)
	h.fetch.html("http://127.0.0.2/page1/", `<a href="/page2/">p2</a>`)
	h.fetch.html("http://127.0.0.2/page2/", `<a href="/page3/">p3</a>`)
	h.fetch.html("http://127.0.0.2/page3/", "too deep")
	h.seed(t, "http://127.0.0.1/")
	h.drain(t)

	page1 := h.doc(t, "http://127.0.0.2/page1/")
	assert.Equal(t, 2, page1.Recurse)
	assert.Equal(t, crawler.StatusIndexed, page1.Status)
	page2 := h.doc(t, "http://127.0.0.2/page2/")
	assert.Equal(t, 1, page2.Recurse)
	assert.Equal(t, crawler.StatusIndexed, page2.Status)

	_, err := h.store.Get(context.Background(), "http://127.0.0.2/page3/")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	assert.Empty(t, h.links(t, "http://127.0.0.2/page2/"))

	// A document past the budget that is already known is skipped unfetched.
	_, err = h.store.Queue(context.Background(), crawler.QueueRequest{URL: "http://127.0.0.2/page3/", Depth: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, h.drain(t))
	assert.Equal(t, crawler.StatusSkipped, h.doc(t, "http://127.0.0.2/page3/").Status)
	assert.NotContains(t, h.fetch.Calls(), "http://127.0.0.2/page3/")
}

func TestPageTooBigIsRecordedAsErrored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawlAll())
	h.fetch.set("http://127.0.0.1/big", crawler.Skip(&crawler.PageTooBigError{Size: 4096, Limit: 1024}))
	h.seed(t, "http://127.0.0.1/big")

	assert.Equal(t, 1, h.drain(t))
	doc := h.doc(t, "http://127.0.0.1/big")
	assert.Equal(t, crawler.StatusErrored, doc.Status)
	assert.Equal(t, "document size is too big (4 kB > 1 kB)", doc.Error)
	require.NotNil(t, doc.CrawlNext)
	assert.True(t, doc.CrawlNext.After(epoch))
	assert.Len(t, h.fetch.Calls(), 1, "not retried")
}

func TestFatalFetchKeepsHumanReadableError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawlAll())
	h.seed(t, "http://127.0.0.1/missing", "http://127.0.0.1/ok")
	h.fetch.html("http://127.0.0.1/ok", "fine")

	assert.Equal(t, 2, h.drain(t))
	assert.Equal(t, crawler.StatusErrored, h.doc(t, "http://127.0.0.1/missing").Status)
	assert.Equal(t, "no page for http://127.0.0.1/missing", h.doc(t, "http://127.0.0.1/missing").Error)
	assert.Equal(t, crawler.StatusIndexed, h.doc(t, "http://127.0.0.1/ok").Status)
}

func TestExternLinksAndRelink(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Policy{
		{URLRegex: `^http://127\.0\.0\.1/`, Eligibility: crawler.CrawlAlways, StoreExternLinks: true},
		{URLRegex: `^http://127\.0\.0\.2/`, Eligibility: crawler.CrawlOnDepth},
		{URLRegex: policy.CatchAll, Eligibility: crawler.CrawlNever},
	})
	h.fetch.html("http://127.0.0.1/", `<a href="http://127.0.0.2/x">ext</a> <a href="mailto:a@example.com">mail</a> <a href="/">self</a>`)
	h.fetch.html("http://127.0.0.2/x", "external page")
	h.seed(t, "http://127.0.0.1/")

	assert.Equal(t, 1, h.drain(t))
	assert.Equal(t, []string{"http://127.0.0.1/"}, h.fetch.Calls(), "excluded domain is not crawled")

	links := h.links(t, "http://127.0.0.1/")
	require.Len(t, links, 2)
	assert.Nil(t, links[0].TargetID)
	assert.Equal(t, "http://127.0.0.2/x", links[0].ExternURL)
	assert.Equal(t, "ext", links[0].Text)
	assert.Nil(t, links[1].TargetID)
	assert.Equal(t, "mailto:a@example.com", links[1].ExternURL)
	assert.Equal(t, 1, links[1].Position)

	h.seed(t, "http://127.0.0.2/x")
	assert.Equal(t, 1, h.drain(t))
	target := h.doc(t, "http://127.0.0.2/x")
	assert.Equal(t, crawler.StatusIndexed, target.Status)

	links = h.links(t, "http://127.0.0.1/")
	require.NotNil(t, links[0].TargetID)
	assert.Equal(t, target.ID, *links[0].TargetID)
	assert.Empty(t, links[0].ExternURL)
}

func TestRedirectLeavesRecordAndIndexesTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawlAll())
	h.fetch.set("http://127.0.0.1/old", crawler.Ok(crawler.Page{
		URL: "http://127.0.0.1/new", Content: []byte("new home"), Mimetype: "text/html", StatusCode: 200, RedirectCount: 1,
	}))
	h.fetch.html("http://127.0.0.1/new", "new home")
	h.seed(t, "http://127.0.0.1/old")

	assert.Equal(t, 1, h.drain(t), "the target is processed in the same step")

	old := h.doc(t, "http://127.0.0.1/old")
	assert.Equal(t, crawler.StatusIndexed, old.Status)
	assert.Equal(t, "http://127.0.0.1/new", old.RedirectURL)
	assert.Empty(t, old.Content)
	assert.Empty(t, h.links(t, "http://127.0.0.1/old"))

	target := h.doc(t, "http://127.0.0.1/new")
	assert.Equal(t, crawler.StatusIndexed, target.Status)
	assert.Equal(t, "new home", target.Content)
	assert.Empty(t, target.WorkerID)
	assert.Equal(t, []string{"http://127.0.0.1/old", "http://127.0.0.1/new"}, h.fetch.Calls())
}

func TestPolicyAndRobotsSkips(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Policy{
		{URLRegex: `^http://127\.0\.0\.1/never`, Eligibility: crawler.CrawlNever},
		{URLRegex: policy.CatchAll, Eligibility: crawler.CrawlAlways},
	}, withRobots("User-agent: *\nDisallow: /private\n"))
	h.seed(t, "http://127.0.0.1/never", "http://127.0.0.1/private/a", "ftp://127.0.0.1/file")

	assert.Equal(t, 3, h.drain(t))
	assert.Empty(t, h.fetch.Calls())

	never := h.doc(t, "http://127.0.0.1/never")
	assert.Equal(t, crawler.StatusSkipped, never.Status)
	assert.False(t, never.RobotsDeny)

	private := h.doc(t, "http://127.0.0.1/private/a")
	assert.Equal(t, crawler.StatusSkipped, private.Status)
	assert.True(t, private.RobotsDeny)
	assert.Nil(t, private.CrawlNext)

	assert.Equal(t, crawler.StatusSkipped, h.doc(t, "ftp://127.0.0.1/file").Status)
}

func TestHooksRunBeforeIndexing(t *testing.T) {
	t.Parallel()

	hook := &recordingHook{err: errors.New("snapshot bucket unavailable")}
	h := newHarness(t, crawlAll(), withHooks(hook))
	h.fetch.html("http://127.0.0.1/", "hello")
	h.seed(t, "http://127.0.0.1/")

	h.drain(t)
	assert.Equal(t, []string{"http://127.0.0.1/"}, hook.pages)
	assert.Equal(t, crawler.StatusIndexed, h.doc(t, "http://127.0.0.1/").Status, "hook failures do not fail the crawl")
}

func TestMimetypeGate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawlAll())
	h.fetch.set("http://127.0.0.1/logo.png", crawler.Ok(crawler.Page{
		URL: "http://127.0.0.1/logo.png", Content: []byte("\x89PNG\r\n\x1a\n"), Mimetype: "image/png", StatusCode: 200,
	}))
	h.fetch.set("http://127.0.0.1/sniffed", crawler.Ok(crawler.Page{
		URL: "http://127.0.0.1/sniffed", Content: []byte(`<html><body>Hi <a href="/x">x</a></body></html>`), StatusCode: 200,
	}))
	h.fetch.html("http://127.0.0.1/x", "x")
	h.seed(t, "http://127.0.0.1/logo.png", "http://127.0.0.1/sniffed")
	h.drain(t)

	logo := h.doc(t, "http://127.0.0.1/logo.png")
	assert.Equal(t, crawler.StatusIndexed, logo.Status)
	assert.Equal(t, "image/png", logo.Mimetype)
	assert.Empty(t, logo.Content)

	sniffed := h.doc(t, "http://127.0.0.1/sniffed")
	assert.Equal(t, "text/html", sniffed.Mimetype)
	assert.Equal(t, "Hi x", sniffed.Content)
	assert.Equal(t, 1, sniffed.LinkCount)
}

func TestStepReleasesClaimWhenCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawlAll())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetch.hook = func(string) { cancel() }
	h.seed(t, "http://127.0.0.1/")

	found, err := h.sched.Step(ctx)
	assert.True(t, found)
	require.Error(t, err)

	doc := h.doc(t, "http://127.0.0.1/")
	assert.Equal(t, crawler.StatusQueued, doc.Status)
	assert.Empty(t, doc.WorkerID)
	assert.Nil(t, doc.CrawlLast)

	_, err = h.sched.Step(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReleasedRedirectTargetStaysClaimable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Policy{{
		URLRegex: policy.CatchAll, Eligibility: crawler.CrawlAlways, Recrawl: crawler.Recrawl{Mode: crawler.RecrawlNone},
	}})
	h.fetch.html("http://127.0.0.1/new", "new home")
	h.seed(t, "http://127.0.0.1/new")
	h.drain(t)
	require.Nil(t, h.doc(t, "http://127.0.0.1/new").CrawlNext)

	h.fetch.set("http://127.0.0.1/old", crawler.Ok(crawler.Page{
		URL: "http://127.0.0.1/new", Content: []byte("new home"), Mimetype: "text/html", StatusCode: 200, RedirectCount: 1,
	}))
	h.fetch.set("http://127.0.0.1/new", crawler.Fatal(errors.New("connection refused")))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetch.hook = func(u string) {
		if u == "http://127.0.0.1/new" {
			cancel()
		}
	}
	h.seed(t, "http://127.0.0.1/old")

	_, err := h.sched.Step(ctx)
	require.Error(t, err)

	target := h.doc(t, "http://127.0.0.1/new")
	assert.Equal(t, crawler.StatusQueued, target.Status)
	assert.Empty(t, target.WorkerID)
	require.NotNil(t, target.CrawlNext)

	claimed, err := h.store.ClaimNext(context.Background(), "w2", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, target.ID, claimed.ID)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Policy{{
		URLRegex: policy.CatchAll, Eligibility: crawler.CrawlAlways, Recrawl: crawler.Recrawl{Mode: crawler.RecrawlNone},
	}})
	h.fetch.html("http://127.0.0.1/", "hello")
	h.seed(t, "http://127.0.0.1/")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		doc, err := h.store.Get(context.Background(), "http://127.0.0.1/")
		return err == nil && doc.Status == crawler.StatusIndexed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConcurrentWorkersFetchEachURLOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Policy{{
		URLRegex: policy.CatchAll, Eligibility: crawler.CrawlAlways, Recrawl: crawler.Recrawl{Mode: crawler.RecrawlNone},
	}})
	const pages = 40
	urls := make([]string, pages)
	for i := range urls {
		urls[i] = fmt.Sprintf("http://127.0.0.%d/page/%d", i%4+1, i)
		h.fetch.html(urls[i], fmt.Sprintf("page %d", i))
	}
	h.fetch.hook = func(string) { time.Sleep(time.Millisecond) }
	h.seed(t, urls...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for i := range 8 {
		worker := h.worker(fmt.Sprintf("w%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, worker.Run(ctx))
		}()
	}

	require.Eventually(t, func() bool {
		stats, err := h.store.Stats(context.Background())
		return err == nil && stats.ByStatus[crawler.StatusIndexed] == pages
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	fetched := make(map[string]int)
	for _, u := range h.fetch.Calls() {
		fetched[u]++
	}
	assert.Len(t, fetched, pages)
	for _, u := range urls {
		assert.Equal(t, 1, fetched[u], u)
		assert.Empty(t, h.doc(t, u).WorkerID)
	}
	assert.Len(t, h.pub.Topic("documents"), pages)
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	day := 24 * time.Hour
	adaptive := crawler.Recrawl{Mode: crawler.RecrawlAdaptive, MinInterval: day, MaxInterval: 4 * day}

	tests := []struct {
		name     string
		policy   crawler.Policy
		recurse  int
		dt       time.Duration
		changed  bool
		wantDT   time.Duration
		wantNext time.Duration
		stopped  bool
	}{
		{name: "none", policy: crawler.Policy{Eligibility: crawler.CrawlAlways, Recrawl: crawler.Recrawl{Mode: crawler.RecrawlNone}}, stopped: true},
		{name: "constant", policy: crawler.Policy{Eligibility: crawler.CrawlAlways, Recrawl: crawler.Recrawl{Mode: crawler.RecrawlConstant, MinInterval: time.Hour}}, wantNext: time.Hour},
		{name: "adaptive first", policy: crawler.Policy{Eligibility: crawler.CrawlAlways, Recrawl: adaptive}, changed: true, wantDT: day, wantNext: day},
		{name: "adaptive unchanged doubles", policy: crawler.Policy{Eligibility: crawler.CrawlAlways, Recrawl: adaptive}, dt: day, wantDT: 2 * day, wantNext: 2 * day},
		{name: "adaptive capped", policy: crawler.Policy{Eligibility: crawler.CrawlAlways, Recrawl: adaptive}, dt: 3 * day, wantDT: 4 * day, wantNext: 4 * day},
		{name: "adaptive changed halves", policy: crawler.Policy{Eligibility: crawler.CrawlAlways, Recrawl: adaptive}, dt: 4 * day, changed: true, wantDT: 2 * day, wantNext: 2 * day},
		{name: "adaptive floored", policy: crawler.Policy{Eligibility: crawler.CrawlAlways, Recrawl: adaptive}, dt: day, changed: true, wantDT: day, wantNext: day},
		{name: "never stops", policy: crawler.Policy{Eligibility: crawler.CrawlNever, Recrawl: adaptive}, dt: day, stopped: true},
		{name: "depth exhausted stops", policy: crawler.Policy{Eligibility: crawler.CrawlOnDepth, Recrawl: adaptive}, stopped: true},
		{name: "depth remaining", policy: crawler.Policy{Eligibility: crawler.CrawlOnDepth, Recrawl: adaptive}, recurse: 1, wantDT: day, wantNext: day},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			last := epoch
			doc := crawler.Document{CrawlLast: &last, CrawlDT: tt.dt, Recurse: tt.recurse}
			schedule(&doc, tt.policy, tt.changed)
			if tt.stopped {
				assert.Nil(t, doc.CrawlNext)
				assert.Zero(t, doc.CrawlDT)
				return
			}
			require.NotNil(t, doc.CrawlNext)
			assert.Equal(t, epoch.Add(tt.wantNext), *doc.CrawlNext)
			assert.Equal(t, tt.wantDT, doc.CrawlDT)
		})
	}
}
