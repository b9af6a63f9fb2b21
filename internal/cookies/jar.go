// Package cookies implements the persistent cookie jar shared by both
// fetchers. Cookies live in a crawler.CookieStore so they survive restarts
// and are visible to every worker.
package cookies

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

// Jar implements crawler.CookieJar on top of a CookieStore.
type Jar struct {
	store  crawler.CookieStore
	clock  crawler.Clock
	logger *zap.Logger
}

// New returns a Jar backed by store.
func New(store crawler.CookieStore, clock crawler.Clock, logger *zap.Logger) *Jar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jar{store: store, clock: clock, logger: logger}
}

// ForURL returns the cookies to send with a request to rawURL, longest
// path first. Expired cookies are purged from the store as they are met.
func (j *Jar) ForURL(ctx context.Context, rawURL string) ([]crawler.Cookie, error) {
	u, ok := parseHTTP(rawURL)
	if !ok {
		return nil, nil
	}
	host := u.Hostname()
	candidates, err := j.store.CookiesForHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("load cookies for %s: %w", host, err)
	}

	now := j.clock.Now()
	var expired, out []crawler.Cookie
	for _, c := range candidates {
		if c.Secure && u.Scheme != "https" {
			continue
		}
		if !domainMatch(c, host) || !pathMatch(c.Path, u.EscapedPath()) {
			continue
		}
		if c.Expired(now) {
			expired = append(expired, c)
			continue
		}
		out = append(out, c)
	}
	if len(expired) > 0 {
		if err := j.store.DeleteCookies(ctx, expired); err != nil {
			return nil, fmt.Errorf("purge expired cookies: %w", err)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return len(out[a].Path) > len(out[b].Path)
	})
	return out, nil
}

// Set records the cookies a response to rawURL carried. Cookies scoped to
// another registrable domain or to a public suffix are dropped. Cookies
// previously stored for rawURL whose names are absent from raw are
// deleted. The accepted cookies are returned.
func (j *Jar) Set(ctx context.Context, rawURL string, raw []*http.Cookie) ([]crawler.Cookie, error) {
	u, ok := parseHTTP(rawURL)
	if !ok {
		return nil, nil
	}
	host := u.Hostname()
	now := j.clock.Now()

	names := make(map[string]struct{}, len(raw))
	accepted := make([]crawler.Cookie, 0, len(raw))
	var removed []crawler.Cookie
	for _, hc := range raw {
		names[hc.Name] = struct{}{}
		c, ok := j.convert(rawURL, host, hc, now)
		if !ok {
			continue
		}
		if hc.MaxAge < 0 {
			removed = append(removed, c)
			continue
		}
		accepted = append(accepted, c)
	}

	if len(accepted) > 0 {
		if err := j.store.UpsertCookies(ctx, accepted); err != nil {
			return nil, fmt.Errorf("store cookies for %s: %w", host, err)
		}
	}

	current, err := j.ForURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	for _, c := range current {
		if _, ok := names[c.Name]; !ok {
			removed = append(removed, c)
		}
	}
	if len(removed) > 0 {
		if err := j.store.DeleteCookies(ctx, removed); err != nil {
			return nil, fmt.Errorf("delete stale cookies: %w", err)
		}
	}
	return accepted, nil
}

func (j *Jar) convert(rawURL, host string, hc *http.Cookie, now time.Time) (crawler.Cookie, bool) {
	domain := host
	inc := false
	if hc.Domain != "" {
		attr := strings.ToLower(strings.TrimLeft(hc.Domain, "."))
		if registrable(attr) != registrable(host) {
			j.logger.Warn("cookie for foreign domain rejected",
				zap.String("url", rawURL), zap.String("name", hc.Name), zap.String("domain", attr))
			return crawler.Cookie{}, false
		}
		domain = attr
		inc = true
	}
	if isPublicSuffix(domain) {
		j.logger.Warn("cookie for public suffix rejected",
			zap.String("url", rawURL), zap.String("name", hc.Name), zap.String("domain", domain))
		return crawler.Cookie{}, false
	}

	path := hc.Path
	if path == "" {
		path = "/"
	}
	c := crawler.Cookie{
		Domain:       domain,
		IncSubdomain: inc,
		Name:         hc.Name,
		Value:        hc.Value,
		Path:         path,
		Secure:       hc.Secure,
		HTTPOnly:     hc.HttpOnly,
		SameSite:     sameSite(hc.SameSite),
	}
	switch {
	case hc.MaxAge > 0:
		exp := now.Add(time.Duration(hc.MaxAge) * time.Second)
		c.Expires = &exp
	case !hc.Expires.IsZero():
		exp := hc.Expires.UTC()
		c.Expires = &exp
	}
	return c, true
}

// Header renders cookies as a Cookie request header value.
func Header(cookies []crawler.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	return strings.Join(parts, "; ")
}

func parseHTTP(rawURL string) (*url.URL, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}

func domainMatch(c crawler.Cookie, host string) bool {
	if strings.EqualFold(c.Domain, host) {
		return true
	}
	return c.IncSubdomain && strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(c.Domain))
}

func pathMatch(cookiePath, requestPath string) bool {
	cp := strings.TrimRight(cookiePath, "/")
	if cp == "" {
		return true
	}
	return strings.TrimRight(requestPath, "/") == cp || strings.HasPrefix(requestPath, cp+"/")
}

func registrable(host string) string {
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return d
}

// isPublicSuffix treats unlisted single-label hosts such as "localhost"
// as ordinary domains.
func isPublicSuffix(domain string) bool {
	suffix, icann := publicsuffix.PublicSuffix(domain)
	return suffix == domain && (icann || strings.Contains(domain, "."))
}

func sameSite(s http.SameSite) string {
	switch s {
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return "Lax"
	}
}
