package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/app"
	"github.com/JakeFAU/crawlindex/internal/config"
	"github.com/JakeFAU/crawlindex/internal/crawler"
)

const site = `<html><head><title>Home page</title></head>
<body><p>Welcome to the crawl index test site, a page with enough words to detect.</p>
<a href="/next">next page</a></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nAllow: /\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, site)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func loadConfig(t *testing.T, snapshots string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`
db:
  driver: memory
storage:
  driver: local
  base_dir: %q
crawler:
  delay: 0s
  idle_poll: 10ms
  user_agent: crawlindex-test
policies:
  inline: |
    policies:
      - url_regex: ".*"
        snapshot: true
        crawl_depth: 1
`, snapshots)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNewCrawlsSeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newSite(t)
	snapshots := t.TempDir()

	a, err := app.New(ctx, loadConfig(t, snapshots), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	results, err := a.Queue().Seed(ctx, []string{srv.URL + "/"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Document)

	w, err := a.NewWorker(ctx, "w-test")
	require.NoError(t, err)
	stepper, ok := w.(interface {
		Step(ctx context.Context) (bool, error)
	})
	require.True(t, ok)
	found, err := stepper.Step(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, w.Close())

	doc, err := a.Store().Get(ctx, results[0].Document.URL)
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusIndexed, doc.Status)
	assert.Equal(t, "Home page", doc.Title)
	assert.NotEmpty(t, doc.ContentHash)
	assert.Equal(t, 1, doc.LinkCount)

	files, err := filepath.Glob(filepath.Join(snapshots, "snapshots", "*", "*.html"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRejectsBadWiring(t *testing.T) {
	t.Parallel()

	base := loadConfig(t, t.TempDir())
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "unknown db driver",
			mutate:  func(c *config.Config) { c.DB.Driver = "sqlite" },
			wantErr: `unknown db driver "sqlite"`,
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *config.Config) { c.Storage.Driver = "s3" },
			wantErr: `unknown storage driver "s3"`,
		},
		{
			name:    "bad inline policies",
			mutate:  func(c *config.Config) { c.Policies.Inline = "policies: []" },
			wantErr: "load inline policies",
		},
		{
			name:    "missing policy file",
			mutate:  func(c *config.Config) { c.Policies = config.PoliciesConfig{Path: "/nonexistent/policies.yaml"} },
			wantErr: "load policies",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base
			tt.mutate(&cfg)
			_, err := app.New(context.Background(), cfg, zap.NewNop())
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMigrateRequiresPostgres(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, t.TempDir())
	cfg.Storage.Driver = "none"
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background()) //nolint:errcheck // test cleanup

	require.ErrorContains(t, a.Migrate(context.Background()), `db driver "memory" has no schema`)
	assert.Equal(t, cfg.Workers(), a.Config().Workers())
	assert.NotNil(t, a.Dispatcher())
}

func TestBrowserFetcherNeedsHeadless(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	cfg := loadConfig(t, t.TempDir())
	cfg.Storage.Driver = "none"
	cfg.Policies.Inline = "policies:\n  - url_regex: \".*\"\n    browse_mode: browser\n"
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background()) //nolint:errcheck // test cleanup

	ctx := context.Background()
	_, err = a.Queue().Seed(ctx, []string{srv.URL + "/only"})
	require.NoError(t, err)
	w, err := a.NewWorker(ctx, "w-browser")
	require.NoError(t, err)
	defer w.Close() //nolint:errcheck // test cleanup

	stepper := w.(interface {
		Step(ctx context.Context) (bool, error)
	})
	_, _ = stepper.Step(ctx)

	canonical, _, err := a.Queue().Canonical(srv.URL + "/only")
	require.NoError(t, err)
	doc, err := a.Store().Get(ctx, canonical)
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusErrored, doc.Status)
	assert.Contains(t, doc.Error, "headless.enabled is false")
	assert.NotContains(t, doc.Error, "fetcher crashed", "a configuration error is not retried as a crash")
}
