// Package snapshot stores sanitized copies of fetched HTML pages.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/metrics"
	"github.com/JakeFAU/crawlindex/internal/policy"
)

// Hook implements crawler.PostFetchHook.
type Hook struct {
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
	html   *bluemonday.Policy
	logger *zap.Logger
}

// New builds a snapshot hook writing under prefix.
func New(blobs crawler.BlobStore, hasher crawler.Hasher, prefix string, logger *zap.Logger) (*Hook, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{
		blobs:  blobs,
		hasher: hasher,
		prefix: strings.Trim(prefix, "/"),
		html:   bluemonday.UGCPolicy(),
		logger: logger.Named("snapshot"),
	}, nil
}

// AfterFetch writes the sanitized page when the policy asks for snapshots.
func (h *Hook) AfterFetch(ctx context.Context, page crawler.Page, p crawler.Policy) error {
	if !p.Snapshot || !strings.HasPrefix(page.Mimetype, "text/html") {
		return nil
	}
	if policy.Match(p.Exclusions.Mimetype, page.Mimetype) || policy.Match(p.Exclusions.URL, page.URL) {
		h.logger.Debug("snapshot excluded", zap.String("url", page.URL))
		return nil
	}
	key, err := h.Path(page.URL)
	if err != nil {
		return err
	}
	clean := h.html.SanitizeBytes(page.Content)
	uri, err := h.blobs.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewReader(clean))
	if err != nil {
		return fmt.Errorf("store snapshot %s: %w", page.URL, err)
	}
	metrics.ObserveSnapshot(len(clean))
	h.logger.Debug("snapshot stored", zap.String("url", page.URL), zap.String("uri", uri))
	return nil
}

// Path returns the blob path for rawURL: <prefix>/<host>/<sha256(url)>.html.
func (h *Hook) Path(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("snapshot path for %q: %w", rawURL, crawler.ErrInvalidURL)
	}
	sum, err := h.hasher.Hash([]byte(rawURL), crawler.HashRaw)
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return path.Join(h.prefix, strings.ToLower(u.Host), sum+".html"), nil
}
