// Package scheduler runs the per-document crawl pipeline: claim a queued
// document, decide whether it may be fetched, fetch it, extract and queue
// its links, and persist the result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/metrics"
	"github.com/JakeFAU/crawlindex/internal/telemetry"
	"github.com/JakeFAU/crawlindex/internal/urlnorm"
)

// DomainTracker is the slice of domainstate.Tracker the scheduler needs.
type DomainTracker interface {
	GetOrCreate(ctx context.Context, domain string, defaultMode crawler.BrowseMode) (crawler.DomainSetting, error)
	Allowed(setting crawler.DomainSetting, rawURL string) bool
	Pace(ctx context.Context, setting crawler.DomainSetting) error
}

// Fetcher dispatches one fetch to the fetcher chosen for the policy.
type Fetcher interface {
	Fetch(ctx context.Context, url string, policy crawler.Policy, domain crawler.DomainSetting) crawler.FetchResult
}

// Config controls Scheduler behavior.
type Config struct {
	WorkerID string
	// IdlePoll is how long Run sleeps when the queue is empty.
	IdlePoll time.Duration
	// SaveRetries bounds re-runs of a save that lost a write race.
	SaveRetries int
	// MaxRedirectHops bounds how many redirect targets one step follows.
	MaxRedirectHops int
	// Topic receives a DocumentChanged event for every content change.
	Topic string
}

// Scheduler processes one claimed document per Step. A Scheduler belongs
// to a single worker.
type Scheduler struct {
	store     crawler.DocumentStore
	policies  crawler.PolicyResolver
	domains   DomainTracker
	fetcher   Fetcher
	hasher    crawler.Hasher
	lang      crawler.LangDetector
	publisher crawler.Publisher
	hooks     []crawler.PostFetchHook
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Scheduler. publisher may be nil.
func New(
	store crawler.DocumentStore,
	policies crawler.PolicyResolver,
	domains DomainTracker,
	fetcher Fetcher,
	hasher crawler.Hasher,
	lang crawler.LangDetector,
	publisher crawler.Publisher,
	hooks []crawler.PostFetchHook,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 5 * time.Second
	}
	if cfg.SaveRetries <= 0 {
		cfg.SaveRetries = 3
	}
	if cfg.MaxRedirectHops <= 0 {
		cfg.MaxRedirectHops = 10
	}
	return &Scheduler{
		store:     store,
		policies:  policies,
		domains:   domains,
		fetcher:   fetcher,
		hasher:    hasher,
		lang:      lang,
		publisher: publisher,
		hooks:     hooks,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("scheduler").With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// Run steps until ctx is done. It sleeps IdlePoll whenever the queue has
// nothing due.
func (s *Scheduler) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		found, err := s.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("scheduler step failed", zap.Error(err))
		}
		if found {
			continue
		}
		if err := s.clock.Sleep(ctx, s.cfg.IdlePoll); err != nil {
			break
		}
	}
	return nil
}

// Step claims and processes one document. It reports false when nothing
// was due. A document claimed by a step that is cancelled mid-way is
// released back to the queue.
func (s *Scheduler) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("step: %w", err)
	}
	doc, err := s.store.ClaimNext(ctx, s.cfg.WorkerID, s.clock.Now())
	if errors.Is(err, crawler.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim next document: %w", err)
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for hop := 0; ; hop++ {
		next, err := s.traced(ctx, doc, hop)
		if err != nil {
			if ctx.Err() != nil {
				s.release(ctx, doc)
			}
			return true, err
		}
		if next == nil {
			return true, nil
		}
		if hop+1 >= s.cfg.MaxRedirectHops {
			s.logger.Warn("redirect chain too long, releasing target", zap.String("url", next.URL))
			s.release(ctx, *next)
			return true, nil
		}
		doc = *next
	}
}

func (s *Scheduler) traced(ctx context.Context, doc crawler.Document, hop int) (*crawler.Document, error) {
	ctx, span := telemetry.Tracer("scheduler").Start(ctx, "scheduler.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("crawl.url", doc.URL),
		attribute.Int64("crawl.doc_id", doc.ID),
		attribute.Int("crawl.redirect_hop", hop),
		attribute.String("crawl.worker_id", s.cfg.WorkerID),
	)
	next, err := s.process(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return next, err
}

func (s *Scheduler) release(ctx context.Context, doc crawler.Document) {
	if err := s.store.Release(context.WithoutCancel(ctx), doc.ID, s.cfg.WorkerID); err != nil {
		s.logger.Warn("release claim failed", zap.String("url", doc.URL), zap.Error(err))
	}
}

// process runs the pipeline for a claimed document. It returns the
// redirect target to process next, already claimed by this worker.
func (s *Scheduler) process(ctx context.Context, doc crawler.Document) (*crawler.Document, error) {
	log := s.logger.With(zap.String("url", doc.URL), zap.Int64("doc_id", doc.ID))
	now := s.clock.Now()
	doc.CrawlLast = &now
	if doc.CrawlFirst == nil {
		doc.CrawlFirst = &now
	}

	policy, err := s.policies.Resolve(doc.URL)
	if err != nil {
		log.Error("no policy for document", zap.Error(err))
		doc.CrawlNext, doc.CrawlDT = nil, 0
		return nil, s.finish(ctx, doc, crawler.StatusErrored, err.Error())
	}

	if reason, ok := eligible(doc, policy); !ok {
		log.Info("skipping document", zap.String("reason", reason))
		doc.CrawlNext, doc.CrawlDT = nil, 0
		return nil, s.finish(ctx, doc, crawler.StatusSkipped, "")
	}

	domainKey, err := urlnorm.Domain(doc.URL)
	if err != nil {
		doc.CrawlNext, doc.CrawlDT = nil, 0
		return nil, s.finish(ctx, doc, crawler.StatusErrored, err.Error())
	}
	domain, err := s.domains.GetOrCreate(ctx, domainKey, policy.BrowseMode)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("resolve domain %s: %w", domainKey, err)
		}
		log.Error("domain state unavailable", zap.Error(err))
		schedule(&doc, policy, true)
		return nil, s.finish(ctx, doc, crawler.StatusErrored, err.Error())
	}
	if !s.domains.Allowed(domain, doc.URL) {
		log.Info("rejected by robots.txt")
		doc.RobotsDeny = true
		doc.CrawlNext, doc.CrawlDT = nil, 0
		return nil, s.finish(ctx, doc, crawler.StatusSkipped, "")
	}
	doc.RobotsDeny = false

	if err := s.domains.Pace(ctx, domain); err != nil {
		return nil, fmt.Errorf("pace %s: %w", domainKey, err)
	}

	result := s.fetcher.Fetch(ctx, doc.URL, policy, domain)
	switch result.Kind {
	case crawler.ResultSkip:
		log.Info("fetch skipped", zap.Error(result.Err))
		schedule(&doc, policy, false)
		return nil, s.finish(ctx, doc, crawler.StatusErrored, result.Err.Error())
	case crawler.ResultFatal:
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", doc.URL, result.Err)
		}
		log.Error("fetch failed", zap.Error(result.Err))
		schedule(&doc, policy, true)
		return nil, s.finish(ctx, doc, crawler.StatusErrored, result.Err.Error())
	}
	page := result.Page

	finalURL, err := urlnorm.Normalize(page.URL, urlnorm.Options{KeepParams: policy.KeepParams})
	if err != nil {
		schedule(&doc, policy, true)
		return nil, s.finish(ctx, doc, crawler.StatusErrored, err.Error())
	}
	if finalURL != doc.URL {
		return s.redirect(ctx, doc, policy, finalURL, log)
	}

	for _, hook := range s.hooks {
		if err := hook.AfterFetch(ctx, page, policy); err != nil {
			log.Warn("post-fetch hook failed", zap.Error(err))
		}
	}

	return nil, s.index(ctx, doc, policy, page, log)
}

// eligible applies the policy verdict before anything is fetched. Seeds
// (depth 0) are always crawlable under ON_DEPTH.
func eligible(doc crawler.Document, policy crawler.Policy) (string, bool) {
	switch {
	case policy.Eligibility == crawler.CrawlNever:
		return "policy forbids crawling", false
	case policy.Eligibility == crawler.CrawlOnDepth && doc.Depth > 0 && doc.Recurse <= 0:
		return "depth budget exhausted", false
	case !httpScheme(doc.URL):
		return "not an http(s) url", false
	}
	return "", true
}

func httpScheme(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// redirect turns doc into a redirect record pointing at target and claims
// the target for this worker.
func (s *Scheduler) redirect(ctx context.Context, doc crawler.Document, policy crawler.Policy, target string, log *zap.Logger) (*crawler.Document, error) {
	log.Debug("redirected", zap.String("target", target))
	schedule(&doc, policy, true)
	doc.ClearContent()
	doc.ContentHash = ""
	doc.RedirectURL = target
	if err := s.finishClear(ctx, doc, crawler.StatusIndexed, ""); err != nil {
		return nil, err
	}

	next, err := s.store.ClaimOrCreate(ctx, target, doc.Depth, s.cfg.WorkerID)
	if errors.Is(err, crawler.ErrClaimed) {
		log.Debug("redirect target held by another worker", zap.String("target", target))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim redirect target %s: %w", target, err)
	}
	if next.Recurse < doc.Recurse {
		next.Recurse = doc.Recurse
	}
	return &next, nil
}

// finish writes a document outcome that keeps the previous links.
func (s *Scheduler) finish(ctx context.Context, doc crawler.Document, status crawler.DocStatus, errText string) error {
	return s.saveOutcome(ctx, doc, status, errText, false)
}

// finishClear writes an outcome and drops the document's links.
func (s *Scheduler) finishClear(ctx context.Context, doc crawler.Document, status crawler.DocStatus, errText string) error {
	return s.saveOutcome(ctx, doc, status, errText, true)
}

func (s *Scheduler) saveOutcome(ctx context.Context, doc crawler.Document, status crawler.DocStatus, errText string, clearLinks bool) error {
	doc.Status = status
	doc.Error = errText
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < s.cfg.SaveRetries; attempt++ {
		if _, err = s.store.SaveOutcome(ctx, doc, clearLinks); err == nil || !errors.Is(err, crawler.ErrConstraintViolation) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", doc.URL, err)
	}
	metrics.ObserveStep(string(status))
	return nil
}

// schedule computes the next crawl time from CrawlLast.
func schedule(doc *crawler.Document, policy crawler.Policy, changed bool) {
	stop := policy.Eligibility == crawler.CrawlNever ||
		(policy.Eligibility == crawler.CrawlOnDepth && doc.Recurse == 0)

	last := time.Time{}
	if doc.CrawlLast != nil {
		last = *doc.CrawlLast
	}
	rc := policy.Recrawl
	switch {
	case stop || rc.Mode == crawler.RecrawlNone:
		doc.CrawlNext, doc.CrawlDT = nil, 0
	case rc.Mode == crawler.RecrawlConstant:
		next := last.Add(rc.MinInterval)
		doc.CrawlNext, doc.CrawlDT = &next, 0
	case rc.Mode == crawler.RecrawlAdaptive:
		switch {
		case doc.CrawlDT == 0:
			doc.CrawlDT = rc.MinInterval
		case !changed:
			doc.CrawlDT = min(rc.MaxInterval, doc.CrawlDT*2)
		default:
			doc.CrawlDT = max(rc.MinInterval, doc.CrawlDT/2)
		}
		next := last.Add(doc.CrawlDT)
		doc.CrawlNext = &next
	}
}
