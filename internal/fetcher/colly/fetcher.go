// Package collyfetcher implements the plain HTTP crawler.Fetcher on top of
// gocolly. Redirects are followed by hand so each hop carries the stored
// cookies and counts against the redirect ceiling.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/cookies"
	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/urlnorm"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxFileSize  int64
}

// Fetcher implements crawler.Fetcher using the Colly collector. It is safe
// for concurrent use: every request runs on a clone of the base collector.
type Fetcher struct {
	cfg           Config
	jar           crawler.CookieJar
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// exchange is one request/response round trip.
type exchange struct {
	url        string
	statusCode int
	headers    http.Header
	body       []byte
	tooBig     *crawler.PageTooBigError
	err        error
}

// New builds a Fetcher. jar may be nil to disable cookie handling.
func New(cfg Config, jar crawler.CookieJar, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 5
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit(), colly.ParseHTTPErrorResponse())
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(&robotsAwareTransport{base: newHTTPTransport()})
	c.DisableCookies()
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		jar:           jar,
		logger:        logger.Named("colly"),
		baseCollector: c,
	}
}

// Get fetches rawURL, following HTTP and meta-refresh redirects up to the
// configured ceiling.
func (f *Fetcher) Get(ctx context.Context, rawURL string, opts crawler.GetOptions) (crawler.Page, error) {
	return f.follow(ctx, rawURL, 0, opts)
}

func (f *Fetcher) follow(ctx context.Context, target string, redirects int, opts crawler.GetOptions) (crawler.Page, error) {
	for {
		ex, err := f.do(ctx, http.MethodGet, target, nil, opts)
		if err != nil {
			return crawler.Page{}, err
		}
		if opts.CheckStatus && ex.statusCode >= 400 {
			return crawler.Page{}, &crawler.HTTPError{URL: target, StatusCode: ex.statusCode}
		}

		next, err := redirectTarget(ex)
		if err != nil {
			return crawler.Page{}, err
		}
		if next == "" && !opts.Raw {
			next = metaRefresh(ex)
		}
		if next == "" {
			page := pageFrom(ex)
			page.RedirectCount = redirects
			return page, nil
		}

		redirects++
		if redirects > f.cfg.MaxRedirects {
			return crawler.Page{}, fmt.Errorf("fetch %s: %w", target, crawler.ErrTooManyRedirects)
		}
		f.logger.Debug("redirected", zap.String("from", target), zap.String("to", next))
		target = next
	}
}

// PostForm submits fields to rawURL and follows a redirect response.
func (f *Fetcher) PostForm(ctx context.Context, rawURL string, fields url.Values) (crawler.Page, error) {
	ex, err := f.do(ctx, http.MethodPost, rawURL, fields, crawler.GetOptions{MaxFileSize: f.cfg.MaxFileSize})
	if err != nil {
		return crawler.Page{}, err
	}
	next, err := redirectTarget(ex)
	if err != nil {
		return crawler.Page{}, err
	}
	if next == "" {
		return pageFrom(ex), nil
	}
	return f.follow(ctx, next, 1, crawler.GetOptions{MaxFileSize: f.cfg.MaxFileSize})
}

// Authenticate fills the login form found on page with auth's fields and
// submits it.
func (f *Fetcher) Authenticate(ctx context.Context, page crawler.Page, _ string, auth crawler.Auth) (crawler.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Content))
	if err != nil {
		return crawler.Page{}, fmt.Errorf("parse login page %s: %w", page.URL, err)
	}
	forms := doc.Find(auth.FormSelector)
	if forms.Length() != 1 {
		return crawler.Page{}, &crawler.AuthElemFailedError{URL: page.URL, Selector: auth.FormSelector, Matches: forms.Length()}
	}
	form := forms.First()

	payload := url.Values{}
	form.Find("input[name]").Each(func(_ int, input *goquery.Selection) {
		name, _ := input.Attr("name")
		value, _ := input.Attr("value")
		payload.Set(name, value)
	})
	for k, v := range auth.Fields {
		payload.Set(k, v)
	}

	postURL := page.URL
	if action, ok := form.Attr("action"); ok && strings.TrimSpace(action) != "" {
		postURL, err = urlnorm.Resolve(page.URL, action, urlnorm.Options{KeepParams: true})
		if err != nil {
			return crawler.Page{}, fmt.Errorf("resolve form action: %w", err)
		}
	}
	f.logger.Debug("submitting login form", zap.String("url", postURL))
	return f.PostForm(ctx, postURL, payload)
}

// Close releases nothing; the plain fetcher owns no external process.
func (f *Fetcher) Close() error {
	return nil
}

func (f *Fetcher) do(ctx context.Context, method, target string, form url.Values, opts crawler.GetOptions) (exchange, error) {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.MaxBodySize = 0
	if opts.MaxFileSize > 0 {
		collector.MaxBodySize = int(opts.MaxFileSize) + 1
	}

	hdr := http.Header{}
	for k, values := range opts.Headers {
		for _, v := range values {
			hdr.Add(k, v)
		}
	}
	sent, err := f.loadCookies(ctx, target)
	if err != nil {
		return exchange{}, err
	}
	if len(sent) > 0 {
		hdr.Set("Cookie", cookies.Header(sent))
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	var ex exchange
	f.configureCollectorHooks(collector, opts.MaxFileSize, &ex)
	if err := runCollector(ctx, func() error {
		return collector.Request(method, target, body, nil, hdr)
	}); err != nil {
		if ex.tooBig != nil {
			return exchange{}, ex.tooBig
		}
		return exchange{}, classify(target, err)
	}
	if ex.tooBig != nil {
		return exchange{}, ex.tooBig
	}
	if ex.err != nil {
		return exchange{}, classify(target, ex.err)
	}

	f.storeCookies(ctx, target, sent, ex.headers)
	if opts.MaxFileSize > 0 && int64(len(ex.body)) > opts.MaxFileSize {
		return exchange{}, &crawler.PageTooBigError{Size: int64(len(ex.body)), Limit: opts.MaxFileSize}
	}
	return ex, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, limit int64, ex *exchange) {
	hooks.OnResponseHeaders(func(r *colly.Response) {
		if limit <= 0 || r.Headers == nil {
			return
		}
		size, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64)
		if err == nil && size > limit {
			ex.tooBig = &crawler.PageTooBigError{Size: size, Limit: limit}
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		ex.url = r.Request.URL.String()
		ex.statusCode = r.StatusCode
		if r.Headers != nil {
			ex.headers = r.Headers.Clone()
		}
		ex.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		ex.err = err
	})
}

// runCollector runs visit and returns only once it has finished, so the
// collector hooks never write the exchange after the caller reads it. The
// collector carries ctx, which bounds the wait after cancellation.
func runCollector(ctx context.Context, visit func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

func classify(target string, err error) error {
	if errors.Is(err, colly.ErrAbortedAfterHeaders) {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	return fmt.Errorf("colly visit %s: %w", target, err)
}

func (f *Fetcher) loadCookies(ctx context.Context, target string) ([]crawler.Cookie, error) {
	if f.jar == nil {
		return nil, nil
	}
	sent, err := f.jar.ForURL(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("load cookies: %w", err)
	}
	return sent, nil
}

// storeCookies merges the response's Set-Cookie headers over the cookies
// that were sent and hands the result to the jar, which drops any stored
// cookie the server no longer sets.
func (f *Fetcher) storeCookies(ctx context.Context, target string, sent []crawler.Cookie, headers http.Header) {
	lines := headers.Values("Set-Cookie")
	if f.jar == nil || len(lines) == 0 {
		return
	}
	merged := make(map[string]*http.Cookie, len(sent)+len(lines))
	order := make([]string, 0, len(sent)+len(lines))
	add := func(c *http.Cookie) {
		if _, ok := merged[c.Name]; !ok {
			order = append(order, c.Name)
		}
		merged[c.Name] = c
	}
	for _, c := range sent {
		add(toHTTPCookie(c))
	}
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			f.logger.Debug("ignoring malformed Set-Cookie", zap.String("url", target), zap.Error(err))
			continue
		}
		add(c)
	}
	out := make([]*http.Cookie, 0, len(order))
	for _, name := range order {
		out = append(out, merged[name])
	}
	if _, err := f.jar.Set(ctx, target, out); err != nil {
		f.logger.Warn("failed to store cookies", zap.String("url", target), zap.Error(err))
	}
}

func toHTTPCookie(c crawler.Cookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if c.IncSubdomain {
		hc.Domain = c.Domain
	}
	if c.Expires != nil {
		hc.Expires = *c.Expires
	}
	return hc
}

func redirectTarget(ex exchange) (string, error) {
	switch ex.statusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return "", nil
	}
	loc := ex.headers.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("fetch %s: status %d without a location header", ex.url, ex.statusCode)
	}
	next, err := urlnorm.Resolve(ex.url, loc, urlnorm.Options{KeepParams: true})
	if err != nil {
		return "", fmt.Errorf("resolve redirect: %w", err)
	}
	return next, nil
}

func metaRefresh(ex exchange) string {
	if mt := mediaType(ex.headers); mt != "" && !strings.Contains(mt, "html") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(ex.body))
	if err != nil {
		return ""
	}
	var dest string
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		equiv, _ := s.Attr("http-equiv")
		content, _ := s.Attr("content")
		if !strings.EqualFold(equiv, "refresh") || content == "" {
			return true
		}
		_, after, found := strings.Cut(content, ";")
		if !found {
			return true
		}
		after = strings.TrimSpace(after)
		if len(after) >= 4 && strings.EqualFold(after[:4], "url=") {
			after = after[4:]
		}
		after = strings.Trim(after, `'" `)
		if after == "" {
			return true
		}
		if next, err := urlnorm.Resolve(ex.url, after, urlnorm.Options{KeepParams: true}); err == nil {
			dest = next
		}
		return false
	})
	return dest
}

func mediaType(h http.Header) string {
	ct := h.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt, _, _ = strings.Cut(ct, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

func pageFrom(ex exchange) crawler.Page {
	headers := ex.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	mt := mediaType(headers)
	// colly transcodes declared charsets to UTF-8 before OnResponse.
	if ct := headers.Get("Content-Type"); strings.Contains(strings.ToLower(ct), "charset") {
		headers.Set("Content-Type", mt+"; charset=utf-8")
	}
	return crawler.Page{
		URL:        ex.url,
		Content:    ex.body,
		Mimetype:   mt,
		StatusCode: ex.statusCode,
		Headers:    headers,
		Mode:       crawler.BrowseRequests,
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
