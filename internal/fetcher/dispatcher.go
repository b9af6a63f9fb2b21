package fetcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/extract"
	"github.com/JakeFAU/crawlindex/internal/metrics"
)

// ModeRecorder stores the browse mode chosen for a domain.
type ModeRecorder interface {
	SetBrowseMode(ctx context.Context, domain string, mode crawler.BrowseMode) error
}

// Config tunes the dispatcher.
type Config struct {
	// CrashRetry is how many times a transient failure is retried after
	// the first attempt.
	CrashRetry    int
	CrashCooldown time.Duration
	MaxFileSize   int64
}

// Dispatcher runs fetches for one worker.
type Dispatcher struct {
	session *Session
	modes   ModeRecorder
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewDispatcher wires a dispatcher around a worker's session.
func NewDispatcher(session *Session, modes ModeRecorder, clock crawler.Clock, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		session: session,
		modes:   modes,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("fetcher"),
	}
}

// Fetch retrieves target under policy. domain is the target's current
// domain state and decides the fetcher when the policy asks for
// detection.
func (d *Dispatcher) Fetch(ctx context.Context, target string, policy crawler.Policy, domain crawler.DomainSetting) crawler.FetchResult {
	mode := fetcherMode(policy.BrowseMode, domain.BrowseMode)
	page, err := d.fetch(ctx, target, mode, policy, domain)
	result := crawler.Classify(page, err)
	metrics.ObserveFetch(target, result.Kind.String(), len(page.Content))
	if err != nil {
		d.logger.Debug("fetch failed",
			zap.String("url", target),
			zap.String("outcome", result.Kind.String()),
			zap.Error(err),
		)
	}
	return result
}

func (d *Dispatcher) fetch(ctx context.Context, target string, mode crawler.BrowseMode, policy crawler.Policy, domain crawler.DomainSetting) (crawler.Page, error) {
	page, err := d.get(ctx, mode, target)
	if err != nil {
		return crawler.Page{}, err
	}

	if page.RedirectCount > 0 && policy.Auth.Enabled() {
		page, err = d.authenticate(ctx, mode, page, target, policy.Auth)
		if err != nil {
			return crawler.Page{}, err
		}
	}

	if policy.BrowseMode == crawler.BrowseDetect && undecided(domain.BrowseMode) {
		page = d.detect(ctx, target, page, domain.Domain)
	}
	return page, nil
}

func (d *Dispatcher) authenticate(ctx context.Context, mode crawler.BrowseMode, page crawler.Page, target string, auth crawler.Auth) (crawler.Page, error) {
	re, err := regexp.Compile(auth.LoginURLRegex)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("compile login url regex: %w", err)
	}
	if !re.MatchString(page.URL) {
		return page, nil
	}

	d.logger.Debug("authenticating", zap.String("url", target), zap.String("login_url", page.URL))
	authed, err := d.withRetry(ctx, mode, func(f crawler.Fetcher) (crawler.Page, error) {
		return f.Authenticate(ctx, page, target, auth)
	})
	if err != nil {
		var elemErr *crawler.AuthElemFailedError
		if errors.As(err, &elemErr) {
			return crawler.Page{}, err
		}
		return crawler.Page{}, fmt.Errorf("authentication failed: %w", err)
	}
	if authed.URL != target {
		d.logger.Debug("reopening after authentication", zap.String("url", target))
		return d.get(ctx, mode, target)
	}
	return authed, nil
}

// detect fetches target again with the plain fetcher and keeps the
// rendering engine for the domain only when it sees a different number of
// links.
func (d *Dispatcher) detect(ctx context.Context, target string, rendered crawler.Page, domain string) crawler.Page {
	plain, err := d.get(ctx, crawler.BrowseRequests, target)
	if err != nil {
		d.logger.Debug("browse mode detection skipped", zap.String("url", target), zap.Error(err))
		return rendered
	}

	plainLinks, perr := extract.CountLinks(plain)
	renderedLinks, rerr := extract.CountLinks(rendered)
	if perr != nil || rerr != nil {
		d.logger.Debug("browse mode detection skipped", zap.String("url", target), zap.Error(errors.Join(perr, rerr)))
		return rendered
	}

	mode := crawler.BrowseRequests
	page := plain
	if plainLinks != renderedLinks {
		mode = crawler.BrowseBrowser
		page = rendered
	}
	d.logger.Info("browse mode detected", zap.String("domain", domain), zap.String("mode", string(mode)))
	if err := d.modes.SetBrowseMode(ctx, domain, mode); err != nil {
		d.logger.Warn("failed to record browse mode", zap.String("domain", domain), zap.Error(err))
	}
	return page
}

func (d *Dispatcher) get(ctx context.Context, mode crawler.BrowseMode, target string) (crawler.Page, error) {
	opts := crawler.GetOptions{MaxFileSize: d.cfg.MaxFileSize}
	return d.withRetry(ctx, mode, func(f crawler.Fetcher) (crawler.Page, error) {
		return f.Get(ctx, target, opts)
	})
}

// withRetry runs call against the session's fetcher for mode. Transient
// failures tear the fetcher down, wait out the cooldown and try again, up
// to CrashRetry more times.
func (d *Dispatcher) withRetry(ctx context.Context, mode crawler.BrowseMode, call func(crawler.Fetcher) (crawler.Page, error)) (crawler.Page, error) {
	for attempt := 0; ; attempt++ {
		page, err := d.attempt(ctx, mode, call)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil || !crawler.IsTransient(err) {
			return crawler.Page{}, err
		}
		if attempt >= d.cfg.CrashRetry {
			return crawler.Page{}, fmt.Errorf("%s fetcher failed after %d retries: %w", mode, attempt, err)
		}

		metrics.ObserveCrashRetry(string(mode))
		d.logger.Warn("fetcher failed, reinitializing",
			zap.String("mode", string(mode)),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", d.cfg.CrashRetry),
			zap.Error(err),
		)
		if rerr := d.session.Reset(mode); rerr != nil {
			d.logger.Debug("fetcher teardown failed", zap.Error(rerr))
		}
		if serr := d.clock.Sleep(ctx, d.cfg.CrashCooldown); serr != nil {
			return crawler.Page{}, serr
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, mode crawler.BrowseMode, call func(crawler.Fetcher) (crawler.Page, error)) (crawler.Page, error) {
	f, err := d.session.Fetcher(ctx, mode)
	if errors.Is(err, crawler.ErrFetcherUnavailable) {
		return crawler.Page{}, err
	}
	if err != nil {
		return crawler.Page{}, errors.Join(crawler.ErrFetcherCrashed, err)
	}
	return call(f)
}

// Close releases the session's fetchers.
func (d *Dispatcher) Close() error {
	return d.session.Close()
}

func undecided(mode crawler.BrowseMode) bool {
	return mode == "" || mode == crawler.BrowseDetect
}

// fetcherMode maps a policy mode and the domain's recorded mode to the
// fetcher kind to run.
func fetcherMode(policyMode, domainMode crawler.BrowseMode) crawler.BrowseMode {
	switch policyMode {
	case crawler.BrowseBrowser:
		return crawler.BrowseBrowser
	case crawler.BrowseDetect:
		if domainMode == crawler.BrowseRequests {
			return crawler.BrowseRequests
		}
		return crawler.BrowseBrowser
	default:
		return crawler.BrowseRequests
	}
}
