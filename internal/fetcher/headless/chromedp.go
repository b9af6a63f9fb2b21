// Package headless implements the rendering crawler.Fetcher on top of
// chromedp and headless Chrome.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
	// Settle is how long a loaded page is left alone before its location
	// is read again, so client-side and meta-refresh redirects can fire.
	Settle       time.Duration
	MaxRedirects int
	MaxFileSize  int64
}

// Fetcher drives one browser process through a single tab. It is owned by
// one worker; the browser lives from New until Close.
type Fetcher struct {
	cfg    Config
	jar    crawler.CookieJar
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	tab           context.Context

	mu   sync.Mutex
	meta *responseMeta
}

// New launches the browser. Canceling ctx while the browser starts aborts
// the launch.
func New(ctx context.Context, cfg Config, jar crawler.CookieJar, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 5
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, browserCancel := chromedp.NewContext(allocCtx)

	f := &Fetcher{
		cfg:           cfg,
		jar:           jar,
		logger:        logger.Named("headless"),
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		tab:           tab,
		meta:          newResponseMeta(),
	}
	chromedp.ListenTarget(tab, f.captureEvent)

	// The first Run allocates the browser and ties its lifetime to the
	// context it is given, so it must run on the tab itself.
	stop := context.AfterFunc(ctx, f.shutdown)
	defer stop()
	if err := chromedp.Run(tab, f.setupAction()); err != nil {
		f.shutdown()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return f, nil
}

// Get navigates to rawURL and returns the rendered DOM.
func (f *Fetcher) Get(ctx context.Context, rawURL string, opts crawler.GetOptions) (crawler.Page, error) {
	if err := f.loadCookies(ctx, rawURL); err != nil {
		return crawler.Page{}, err
	}
	return f.load(ctx, rawURL, opts, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.SetExtraHTTPHeaders(toNetworkHeaders(opts.Headers)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return chromedp.Navigate(rawURL).Do(ctx)
	}))
}

// PostForm submits fields to rawURL through a generated form.
func (f *Fetcher) PostForm(ctx context.Context, rawURL string, fields url.Values) (crawler.Page, error) {
	if err := f.loadCookies(ctx, rawURL); err != nil {
		return crawler.Page{}, err
	}
	flat := make(map[string]string, len(fields))
	for k := range fields {
		flat[k] = fields.Get(k)
	}
	script, err := jsCall(postScript, rawURL, flat)
	if err != nil {
		return crawler.Page{}, err
	}
	opts := crawler.GetOptions{MaxFileSize: f.cfg.MaxFileSize}
	return f.load(ctx, rawURL, opts, chromedp.Tasks{
		chromedp.Navigate("about:blank"),
		chromedp.Evaluate(script, nil),
		chromedp.Sleep(f.cfg.Settle),
	})
}

// Authenticate fills the form matched by auth.FormSelector on the current
// page and submits it.
func (f *Fetcher) Authenticate(ctx context.Context, page crawler.Page, _ string, auth crawler.Auth) (crawler.Page, error) {
	var current string
	if err := f.run(ctx, chromedp.Location(&current)); err != nil {
		return crawler.Page{}, err
	}
	if current != page.URL {
		if err := f.run(ctx, chromedp.Navigate(page.URL), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
			return crawler.Page{}, err
		}
	}

	script, err := jsCall(authScript, auth.FormSelector, auth.Fields)
	if err != nil {
		return crawler.Page{}, err
	}
	var res authResult
	submit := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.Evaluate(script, &res).Do(ctx); err != nil {
			return err
		}
		if res.Matches != 1 || res.Missing != "" {
			return nil
		}
		return chromedp.Sleep(f.cfg.Settle).Do(ctx)
	})
	out, err := f.load(ctx, page.URL, crawler.GetOptions{MaxFileSize: f.cfg.MaxFileSize}, submit)
	if err != nil {
		return crawler.Page{}, err
	}
	if res.Matches != 1 {
		return crawler.Page{}, &crawler.AuthElemFailedError{URL: page.URL, Selector: auth.FormSelector, Matches: res.Matches}
	}
	if res.Missing != "" {
		return crawler.Page{}, fmt.Errorf("auth field %q does not match exactly one input", res.Missing)
	}
	return out, nil
}

// Close terminates the browser process.
func (f *Fetcher) Close() error {
	f.shutdown()
	return nil
}

func (f *Fetcher) shutdown() {
	f.browserCancel()
	f.allocCancel()
}

// load runs navigate, waits for the page to settle and snapshots it.
func (f *Fetcher) load(ctx context.Context, rawURL string, opts crawler.GetOptions, navigate chromedp.Action) (crawler.Page, error) {
	meta := newResponseMeta()
	f.mu.Lock()
	f.meta = meta
	f.mu.Unlock()

	var (
		html, title, location string
	)
	err := f.run(ctx,
		navigate,
		chromedp.WaitReady("body", chromedp.ByQuery),
		f.settleAction(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.Page{}, err
	}

	status, headers, redirects := meta.snapshot()
	if redirects > f.cfg.MaxRedirects {
		return crawler.Page{}, fmt.Errorf("fetch %s: %w", rawURL, crawler.ErrTooManyRedirects)
	}
	if opts.CheckStatus && status >= 400 {
		return crawler.Page{}, &crawler.HTTPError{URL: rawURL, StatusCode: status}
	}
	if limit := opts.MaxFileSize; limit > 0 {
		if size, _ := strconv.ParseInt(headers.Get("Content-Length"), 10, 64); size > limit {
			return crawler.Page{}, &crawler.PageTooBigError{Size: size, Limit: limit}
		}
		if size := int64(len(html)); size > limit {
			return crawler.Page{}, &crawler.PageTooBigError{Size: size, Limit: limit}
		}
	}
	if status == 0 {
		status = http.StatusOK
	}

	f.saveCookies(ctx, location)
	headers.Set("Content-Type", "text/html; charset=utf-8")
	return crawler.Page{
		URL:           location,
		Content:       []byte(html),
		Mimetype:      "text/html",
		StatusCode:    status,
		RedirectCount: redirects,
		Title:         title,
		Headers:       headers,
		Mode:          crawler.BrowseBrowser,
	}, nil
}

// settleAction waits for the location to stop changing, bounded by the
// redirect ceiling.
func (f *Fetcher) settleAction(location *string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.Location(location).Do(ctx); err != nil {
			return err
		}
		for i := 0; i <= f.cfg.MaxRedirects; i++ {
			if err := chromedp.Sleep(f.cfg.Settle).Do(ctx); err != nil {
				return err
			}
			var next string
			if err := chromedp.Location(&next).Do(ctx); err != nil {
				return err
			}
			if next == *location {
				return nil
			}
			*location = next
			if err := chromedp.WaitReady("body", chromedp.ByQuery).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (f *Fetcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// run executes actions on the tab under the navigation timeout. A failure
// after the browser went away is reported as a crash.
func (f *Fetcher) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(f.tab, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("chromedp run canceled: %w", ctx.Err())
	}
	if f.tab.Err() != nil {
		return fmt.Errorf("chromedp run: %w", errors.Join(crawler.ErrFetcherCrashed, err))
	}
	return fmt.Errorf("chromedp run: %w", err)
}

func (f *Fetcher) loadCookies(ctx context.Context, rawURL string) error {
	if f.jar == nil {
		return nil
	}
	cookies, err := f.jar.ForURL(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("load cookies: %w", err)
	}
	return f.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.ClearBrowserCookies().Do(ctx); err != nil {
			return fmt.Errorf("clear cookies: %w", err)
		}
		for _, c := range cookies {
			if err := toSetCookie(rawURL, c).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

func (f *Fetcher) saveCookies(ctx context.Context, rawURL string) {
	if f.jar == nil || !strings.HasPrefix(rawURL, "http") {
		return
	}
	var cookies []*network.Cookie
	err := f.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{rawURL}).Do(ctx)
		return err
	}))
	if err != nil {
		f.logger.Warn("failed to read browser cookies", zap.String("url", rawURL), zap.Error(err))
		return
	}
	raw := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		raw = append(raw, fromNetworkCookie(c))
	}
	if _, err := f.jar.Set(ctx, rawURL, raw); err != nil {
		f.logger.Warn("failed to store cookies", zap.String("url", rawURL), zap.Error(err))
	}
}

func (f *Fetcher) captureEvent(ev any) {
	f.mu.Lock()
	meta := f.meta
	f.mu.Unlock()
	meta.captureEvent(ev)
}

func toSetCookie(rawURL string, c crawler.Cookie) *network.SetCookieParams {
	p := network.SetCookie(c.Name, c.Value).
		WithPath(c.Path).
		WithSecure(c.Secure).
		WithHTTPOnly(c.HTTPOnly)
	if c.IncSubdomain {
		p = p.WithDomain("." + c.Domain)
	} else {
		p = p.WithURL(rawURL)
	}
	switch strings.ToLower(c.SameSite) {
	case "strict":
		p = p.WithSameSite(network.CookieSameSiteStrict)
	case "none":
		p = p.WithSameSite(network.CookieSameSiteNone)
	case "lax":
		p = p.WithSameSite(network.CookieSameSiteLax)
	}
	if c.Expires != nil {
		exp := cdp.TimeSinceEpoch(*c.Expires)
		p = p.WithExpires(&exp)
	}
	return p
}

func fromNetworkCookie(c *network.Cookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if strings.HasPrefix(c.Domain, ".") {
		hc.Domain = c.Domain
	}
	if !c.Session && c.Expires > 0 {
		sec := int64(c.Expires)
		hc.Expires = time.Unix(sec, int64((c.Expires-float64(sec))*1e9)).UTC()
	}
	switch c.SameSite {
	case network.CookieSameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case network.CookieSameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case network.CookieSameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}

type authResult struct {
	Matches int    `json:"matches"`
	Missing string `json:"missing"`
}

const authScript = `function(selector, fields) {
  const forms = document.querySelectorAll(selector);
  if (forms.length !== 1) {
    return {matches: forms.length, missing: ""};
  }
  const form = forms[0];
  for (const [name, value] of Object.entries(fields || {})) {
    const inputs = form.querySelectorAll('input[name="' + CSS.escape(name) + '"]');
    if (inputs.length !== 1) {
      return {matches: 1, missing: name};
    }
    inputs[0].value = value;
  }
  HTMLFormElement.prototype.submit.call(form);
  return {matches: 1, missing: ""};
}`

const postScript = `function(action, fields) {
  const form = document.createElement("form");
  form.method = "post";
  form.action = action;
  for (const [name, value] of Object.entries(fields || {})) {
    const input = document.createElement("input");
    input.type = "hidden";
    input.name = name;
    input.value = value;
    form.appendChild(input);
  }
  document.body.appendChild(form);
  HTMLFormElement.prototype.submit.call(form);
}`

// jsCall renders an immediately invoked call of fn with JSON encoded args.
func jsCall(fn string, args ...any) (string, error) {
	encoded := make([]string, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("encode script argument: %w", err)
		}
		encoded[i] = string(b)
	}
	return "(" + fn + ")(" + strings.Join(encoded, ", ") + ")", nil
}

// responseMeta follows the main frame's document requests for one load.
type responseMeta struct {
	mu        sync.Mutex
	frame     cdp.FrameID
	documents int
	status    int
	headers   http.Header
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		m.captureRequest(e)
	case *network.EventResponseReceived:
		m.captureResponse(e)
	}
}

// captureRequest counts main-frame document requests. Every one after the
// first is a redirect, whether HTTP, meta refresh or script driven.
func (m *responseMeta) captureRequest(e *network.EventRequestWillBeSent) {
	if e.Type != network.ResourceTypeDocument {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame == "" {
		m.frame = e.FrameID
	}
	if e.FrameID == m.frame {
		m.documents++
	}
}

func (m *responseMeta) captureResponse(e *network.EventResponseReceived) {
	if e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame != "" && e.FrameID != m.frame {
		return
	}
	m.status = int(e.Response.Status)
	m.headers = fromNetworkHeaders(e.Response.Headers)
}

func (m *responseMeta) snapshot() (int, http.Header, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	redirects := m.documents - 1
	if redirects < 0 {
		redirects = 0
	}
	return m.status, m.headers.Clone(), redirects
}

func fromNetworkHeaders(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				headers.Add(key, line)
			}
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}
