// Package domainstate tracks per-domain crawl state: the robots.txt
// verdict, the browse mode chosen for the domain and the fetch pacing
// slot shared by every worker.
package domainstate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/metrics"
)

const maxRobotsSize = 512 * 1024

// Config tunes the tracker.
type Config struct {
	UserAgent    string
	Delay        time.Duration
	IgnoreRobots bool
}

// Tracker implements the domain state operations on top of a DomainStore.
// The robots fetcher must be safe for concurrent use.
type Tracker struct {
	store  crawler.DomainStore
	robots crawler.Fetcher
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
	parsed sync.Map
}

// New constructs a Tracker.
func New(store crawler.DomainStore, robots crawler.Fetcher, clock crawler.Clock, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		robots: robots,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("domainstate"),
	}
}

// GetOrCreate returns the setting for domain (scheme://host[:port]). The
// first caller fetches robots.txt and inserts the row; a concurrent
// creator that loses the insert reads the winner's row.
func (t *Tracker) GetOrCreate(ctx context.Context, domain string, defaultMode crawler.BrowseMode) (crawler.DomainSetting, error) {
	setting, err := t.store.GetDomain(ctx, domain)
	if err == nil {
		return setting, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.DomainSetting{}, fmt.Errorf("load domain %s: %w", domain, err)
	}

	setting = crawler.DomainSetting{
		Domain:       domain,
		BrowseMode:   defaultMode,
		RobotsStatus: crawler.RobotsEmpty,
	}
	if !t.cfg.IgnoreRobots {
		body, ok, err := t.fetchRobots(ctx, domain)
		if err != nil {
			return crawler.DomainSetting{}, err
		}
		if ok {
			setting.RobotsStatus = crawler.RobotsLoaded
			setting.RobotsTxt = body
		}
	}

	stored, err := t.store.UpsertDomain(ctx, setting)
	if err != nil {
		return crawler.DomainSetting{}, fmt.Errorf("create domain %s: %w", domain, err)
	}
	return stored, nil
}

func (t *Tracker) fetchRobots(ctx context.Context, domain string) ([]byte, bool, error) {
	robotsURL := domain + "/robots.txt"
	page, err := t.robots.Get(ctx, robotsURL, crawler.GetOptions{CheckStatus: true, MaxFileSize: maxRobotsSize, Raw: true})
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, fmt.Errorf("fetch %s: %w", robotsURL, ctx.Err())
		}
		t.logger.Debug("robots.txt unavailable", zap.String("url", robotsURL), zap.Error(err))
		return nil, false, nil
	}
	if page.StatusCode != 0 && page.StatusCode != 200 {
		return nil, false, nil
	}
	return page.Content, true, nil
}

// Allowed reports whether robots.txt lets the crawler fetch rawURL.
func (t *Tracker) Allowed(setting crawler.DomainSetting, rawURL string) bool {
	if t.cfg.IgnoreRobots || setting.RobotsStatus != crawler.RobotsLoaded {
		return true
	}
	group := t.group(setting)
	if group == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return group.Test(u.RequestURI())
}

// Delay returns the pacing delay for the domain: the configured delay or
// the robots.txt Crawl-delay, whichever is longer.
func (t *Tracker) Delay(setting crawler.DomainSetting) time.Duration {
	delay := t.cfg.Delay
	if t.cfg.IgnoreRobots || setting.RobotsStatus != crawler.RobotsLoaded {
		return delay
	}
	if group := t.group(setting); group != nil && group.CrawlDelay > delay {
		delay = group.CrawlDelay
	}
	return delay
}

func (t *Tracker) group(setting crawler.DomainSetting) *robotstxt.Group {
	if cached, ok := t.parsed.Load(setting.Domain); ok {
		return cached.(*robotstxt.Group)
	}
	data, err := robotstxt.FromStatusAndBytes(200, setting.RobotsTxt)
	if err != nil {
		t.logger.Warn("unparsable robots.txt, allowing all", zap.String("domain", setting.Domain), zap.Error(err))
		data, _ = robotstxt.FromStatusAndBytes(200, nil)
	}
	group := data.FindGroup(t.cfg.UserAgent)
	t.parsed.Store(setting.Domain, group)
	return group
}

// ShouldWait returns how long a fetch from domain would have to wait now.
// It does not reserve anything.
func (t *Tracker) ShouldWait(ctx context.Context, domain string) (time.Duration, error) {
	setting, err := t.store.GetDomain(ctx, domain)
	if errors.Is(err, crawler.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load domain %s: %w", domain, err)
	}
	if setting.LastFetch == nil {
		return 0, nil
	}
	wait := setting.LastFetch.Add(t.Delay(setting)).Sub(t.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// Pace reserves the next fetch slot for the domain and sleeps until it
// starts. Two workers pacing the same domain never receive slots closer
// than the delay.
func (t *Tracker) Pace(ctx context.Context, setting crawler.DomainSetting) error {
	now := t.clock.Now()
	slot, err := t.store.ReserveFetch(ctx, setting.Domain, now, t.Delay(setting))
	if err != nil {
		return fmt.Errorf("reserve fetch slot for %s: %w", setting.Domain, err)
	}
	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}
	metrics.ObservePacingDelay(setting.Domain, wait)
	t.logger.Debug("pacing", zap.String("domain", setting.Domain), zap.Duration("wait", wait))
	if err := t.clock.Sleep(ctx, wait); err != nil {
		return fmt.Errorf("pace %s: %w", setting.Domain, err)
	}
	return nil
}

// SetBrowseMode records the outcome of browse mode detection.
func (t *Tracker) SetBrowseMode(ctx context.Context, domain string, mode crawler.BrowseMode) error {
	if err := t.store.SetBrowseMode(ctx, domain, mode); err != nil {
		return fmt.Errorf("set browse mode for %s: %w", domain, err)
	}
	return nil
}
