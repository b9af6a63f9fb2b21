// Package fetcher selects the fetcher for a URL and runs it with crash
// recovery, authentication and browse mode detection.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

// Factory builds a fresh fetcher of the given kind. mode is either
// crawler.BrowseRequests or crawler.BrowseBrowser.
type Factory interface {
	New(ctx context.Context, mode crawler.BrowseMode) (crawler.Fetcher, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, mode crawler.BrowseMode) (crawler.Fetcher, error)

// New implements Factory.
func (f FactoryFunc) New(ctx context.Context, mode crawler.BrowseMode) (crawler.Fetcher, error) {
	return f(ctx, mode)
}

// Session owns one worker's fetchers. Each kind is built on first use and
// kept until Reset or Close. A Session must not be shared between workers.
type Session struct {
	factory  Factory
	logger   *zap.Logger
	fetchers map[crawler.BrowseMode]crawler.Fetcher
}

// NewSession returns an empty session backed by factory.
func NewSession(factory Factory, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		factory:  factory,
		logger:   logger,
		fetchers: make(map[crawler.BrowseMode]crawler.Fetcher),
	}
}

// Fetcher returns the session's fetcher for mode, building it if needed.
func (s *Session) Fetcher(ctx context.Context, mode crawler.BrowseMode) (crawler.Fetcher, error) {
	if f, ok := s.fetchers[mode]; ok {
		return f, nil
	}
	f, err := s.factory.New(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("init %s fetcher: %w", mode, err)
	}
	s.fetchers[mode] = f
	s.logger.Debug("fetcher initialized", zap.String("mode", string(mode)))
	return f, nil
}

// Reset tears down the fetcher for mode. The next call to Fetcher builds a
// new one.
func (s *Session) Reset(mode crawler.BrowseMode) error {
	f, ok := s.fetchers[mode]
	if !ok {
		return nil
	}
	delete(s.fetchers, mode)
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s fetcher: %w", mode, err)
	}
	return nil
}

// Close tears down every fetcher the session holds.
func (s *Session) Close() error {
	var errs []error
	for mode := range s.fetchers {
		if err := s.Reset(mode); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
