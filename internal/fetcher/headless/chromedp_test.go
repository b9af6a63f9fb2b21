package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlindex/internal/clock/system"
	"github.com/JakeFAU/crawlindex/internal/cookies"
	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/storage/memory"
)

func TestResponseMetaCountsMainFrameDocuments(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventRequestWillBeSent{Type: network.ResourceTypeDocument, FrameID: "main"})
	meta.captureEvent(&network.EventRequestWillBeSent{
		Type:             network.ResourceTypeDocument,
		FrameID:          "main",
		RedirectResponse: &network.Response{Status: 301},
	})
	meta.captureEvent(&network.EventRequestWillBeSent{Type: network.ResourceTypeDocument, FrameID: "iframe"})
	meta.captureEvent(&network.EventRequestWillBeSent{Type: network.ResourceTypeScript, FrameID: "main"})
	meta.captureEvent(&network.EventResponseReceived{
		Type:    network.ResourceTypeDocument,
		FrameID: "main",
		Response: &network.Response{
			Status:  203,
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": "a=1\nb=2"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		FrameID:  "iframe",
		Response: &network.Response{Status: 404},
	})

	status, headers, redirects := meta.snapshot()
	assert.Equal(t, 203, status)
	assert.Equal(t, 1, redirects)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))

	status, _, redirects = newResponseMeta().snapshot()
	assert.Zero(t, status)
	assert.Zero(t, redirects)
}

func TestCookieConversion(t *testing.T) {
	t.Parallel()

	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	p := toSetCookie("https://a.example.com/x", crawler.Cookie{
		Domain: "example.com", IncSubdomain: true, Name: "sid", Value: "v",
		Path: "/", Secure: true, SameSite: "Strict", Expires: &expires,
	})
	assert.Equal(t, ".example.com", p.Domain)
	assert.Empty(t, p.URL)
	assert.Equal(t, network.CookieSameSiteStrict, p.SameSite)
	require.NotNil(t, p.Expires)
	assert.True(t, p.Expires.Time().Equal(expires))

	p = toSetCookie("https://a.example.com/x", crawler.Cookie{Domain: "a.example.com", Name: "host", Path: "/x"})
	assert.Empty(t, p.Domain)
	assert.Equal(t, "https://a.example.com/x", p.URL)

	hc := fromNetworkCookie(&network.Cookie{
		Name: "sid", Value: "v", Domain: ".example.com", Path: "/",
		Expires: float64(expires.Unix()), SameSite: network.CookieSameSiteLax, HTTPOnly: true,
	})
	assert.Equal(t, ".example.com", hc.Domain)
	assert.True(t, hc.Expires.Equal(expires))
	assert.Equal(t, http.SameSiteLaxMode, hc.SameSite)
	assert.True(t, hc.HttpOnly)

	hc = fromNetworkCookie(&network.Cookie{Name: "s", Domain: "a.example.com", Session: true, Expires: -1})
	assert.Empty(t, hc.Domain)
	assert.True(t, hc.Expires.IsZero())
}

func TestJSCall(t *testing.T) {
	t.Parallel()

	got, err := jsCall("function(a, b) {}", `form[name="x"]`, map[string]string{"user": "o'neil"})
	require.NoError(t, err)
	assert.Equal(t, `(function(a, b) {})("form[name=\"x\"]", {"user":"o'neil"})`, got)
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	h := toNetworkHeaders(http.Header{"Accept": {"a", "b"}, "X-Empty": nil})
	assert.Equal(t, network.Headers{"Accept": "a, b"}, h)

	back := fromNetworkHeaders(network.Headers{"X-List": []any{"1", 2}})
	assert.Equal(t, []string{"1", "2"}, back.Values("X-List"))
}

func findBrowser(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("no chrome binary available")
	return ""
}

func TestFetcherRendersPage(t *testing.T) {
	t.Parallel()
	execPath := findBrowser(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "seen", Value: "1", Path: "/"})
		http.Redirect(w, r, "/page", http.StatusFound)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Rendered</title></head><body><div id="out"></div>
<script>document.getElementById("out").innerHTML = '<a href="/js">js link</a>';</script></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clock := system.New()
	store := memory.NewStore(clock)
	jar := cookies.New(store, clock, nil)
	ctx := context.Background()
	f, err := New(ctx, Config{ExecPath: execPath, Settle: 200 * time.Millisecond, MaxRedirects: 3}, jar, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	page, err := f.Get(ctx, srv.URL+"/start", crawler.GetOptions{MaxFileSize: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/page", page.URL)
	assert.Equal(t, 1, page.RedirectCount)
	assert.Equal(t, "Rendered", page.Title)
	assert.Contains(t, string(page.Content), "js link")
	assert.Equal(t, crawler.BrowseBrowser, page.Mode)

	stored, err := jar.ForURL(ctx, srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "seen", stored[0].Name)

	_, err = f.Get(ctx, srv.URL+"/page", crawler.GetOptions{MaxFileSize: 16})
	var tooBig *crawler.PageTooBigError
	require.ErrorAs(t, err, &tooBig)
}
