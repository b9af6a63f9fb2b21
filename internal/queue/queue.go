// Package queue adds seed URLs to the crawl queue and schedules recrawls.
// The queue itself is the document table; this package owns the
// canonicalization that must happen before a URL reaches it.
package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/urlnorm"
)

// Result is the outcome of queueing one submitted URL.
type Result struct {
	Input    string            `json:"input"`
	Document *crawler.Document `json:"document,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Service queues URLs on behalf of the API and the CLI.
type Service struct {
	store    crawler.DocumentStore
	policies crawler.PolicyResolver
	logger   *zap.Logger
}

// New wires a queue service.
func New(store crawler.DocumentStore, policies crawler.PolicyResolver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, policies: policies, logger: logger.Named("queue")}
}

// Seed queues each URL at depth 0 without a recursion budget. Invalid or
// unmatched URLs are reported per entry; store failures abort the batch.
func (s *Service) Seed(ctx context.Context, urls []string) ([]Result, error) {
	results := make([]Result, 0, len(urls))
	for _, raw := range urls {
		doc, err := s.queue(ctx, raw, false)
		switch {
		case err == nil:
			results = append(results, Result{Input: raw, Document: &doc})
		case errors.Is(err, crawler.ErrInvalidURL), errors.Is(err, crawler.ErrNoPolicyMatch):
			s.logger.Info("seed rejected", zap.String("url", raw), zap.Error(err))
			results = append(results, Result{Input: raw, Error: err.Error()})
		default:
			return results, err
		}
	}
	return results, nil
}

// Recrawl makes the document for rawURL due now, creating it if needed.
// Documents currently claimed by a worker are left alone.
func (s *Service) Recrawl(ctx context.Context, rawURL string) (crawler.Document, error) {
	return s.queue(ctx, rawURL, true)
}

// Canonical returns the normalized URL and the policy that governs it.
func (s *Service) Canonical(rawURL string) (string, crawler.Policy, error) {
	full, err := urlnorm.Normalize(rawURL, urlnorm.Options{KeepParams: true})
	if err != nil {
		return "", crawler.Policy{}, err
	}
	p, err := s.policies.Resolve(full)
	if err != nil {
		return "", crawler.Policy{}, err
	}
	if p.KeepParams {
		return full, p, nil
	}
	canonical, err := urlnorm.Normalize(full, urlnorm.Options{})
	if err != nil {
		return "", crawler.Policy{}, err
	}
	return canonical, p, nil
}

func (s *Service) queue(ctx context.Context, raw string, force bool) (crawler.Document, error) {
	canonical, _, err := s.Canonical(raw)
	if err != nil {
		return crawler.Document{}, err
	}
	doc, err := s.store.Queue(ctx, crawler.QueueRequest{URL: canonical, Force: force})
	if err != nil {
		return crawler.Document{}, fmt.Errorf("queue %s: %w", canonical, err)
	}
	s.logger.Debug("url queued", zap.String("url", canonical), zap.Bool("force", force))
	return doc, nil
}
