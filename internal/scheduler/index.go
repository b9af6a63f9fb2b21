package scheduler

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/extract"
	"github.com/JakeFAU/crawlindex/internal/metrics"
	crawlpolicy "github.com/JakeFAU/crawlindex/internal/policy"
	"github.com/JakeFAU/crawlindex/internal/urlnorm"
)

// index stores a fetched page under doc. Unchanged content only moves the
// timestamps and the schedule.
func (s *Scheduler) index(ctx context.Context, doc crawler.Document, policy crawler.Policy, page crawler.Page, log *zap.Logger) error {
	hash, err := s.hasher.Hash(page.Content, policy.HashMode)
	if err != nil {
		schedule(&doc, policy, true)
		return s.finish(ctx, doc, crawler.StatusErrored, err.Error())
	}
	changed := hash != doc.ContentHash
	schedule(&doc, policy, changed)

	if !changed {
		log.Debug("content unchanged")
		if err := s.finish(ctx, doc, crawler.StatusIndexed, ""); err != nil {
			return err
		}
		s.relink(ctx, doc, log)
		return nil
	}

	// prev keeps the stored content, hash and links consistent if the new
	// version cannot be fully extracted.
	prev := doc
	doc.ClearContent()
	doc.ContentHash = hash
	doc.Mimetype = mimetype(page)

	var links []crawler.Link
	switch {
	case !crawlpolicy.Match(policy.MimetypeRegex, doc.Mimetype):
		log.Debug("mimetype not indexed", zap.String("mimetype", doc.Mimetype))
	case strings.HasPrefix(doc.Mimetype, "text/"):
		links, err = s.extract(ctx, &doc, policy, page)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Error("extraction failed", zap.Error(err))
			return s.finish(ctx, prev, crawler.StatusErrored, err.Error())
		}
	}
	doc.LinkCount = len(links)
	doc.Status = crawler.StatusIndexed
	doc.Error = ""

	saved, err := s.saveIndexed(ctx, doc, links)
	if err != nil {
		return err
	}
	log.Debug("indexed", zap.Int("links", len(links)), zap.String("lang", saved.Lang))
	s.relink(ctx, saved, log)
	s.publish(ctx, saved, log)
	return nil
}

// extract fills doc's text fields and returns its outbound links, queueing
// their targets as the policies allow.
func (s *Scheduler) extract(ctx context.Context, doc *crawler.Document, policy crawler.Policy, page crawler.Page) ([]crawler.Link, error) {
	children := make(map[string]*crawler.Policy)
	childPolicy := func(u string) *crawler.Policy {
		if p, ok := children[u]; ok {
			return p
		}
		var found *crawler.Policy
		if p, err := s.policies.Resolve(u); err == nil {
			found = &p
		}
		children[u] = found
		return found
	}

	res, err := extract.Extract(page, extract.Options{
		RemoveNav: policy.RemoveNav,
		Normalize: func(abs string) (string, error) {
			opts := urlnorm.Options{}
			if p := childPolicy(abs); p != nil {
				opts.KeepParams = p.KeepParams
			}
			return urlnorm.Normalize(abs, opts)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", doc.URL, err)
	}

	doc.Title = page.Title
	if doc.Title == "" {
		doc.Title = res.Title
	}
	if doc.Title == "" {
		doc.Title = doc.URL
	}
	doc.Content = res.Text
	if s.lang != nil {
		doc.Lang = s.lang.Detect(page.Title + "\n" + res.Text)
	}

	var links []crawler.Link
	for l := range res.Links {
		var target *crawler.Document
		if l.URL != "" {
			if l.URL == doc.URL {
				continue
			}
			child := childPolicy(l.URL)
			if child != nil {
				target, err = s.queueLink(ctx, *doc, policy, *child, l.URL)
				if err != nil {
					return nil, err
				}
			}
		}

		link := crawler.Link{
			SourceID: doc.ID,
			Text:     l.Text,
			Offset:   l.Offset,
			Ordinal:  l.Ordinal,
			Position: len(links),
		}
		switch {
		case target != nil:
			id := target.ID
			link.TargetID = &id
		case policy.StoreExternLinks:
			link.ExternURL = l.Raw
		default:
			continue
		}
		links = append(links, link)
	}
	return links, nil
}

// queueLink applies the queue rules for a link from parent to url and
// returns the target document, or nil when the target must not be
// tracked.
func (s *Scheduler) queueLink(ctx context.Context, parent crawler.Document, parentPolicy, child crawler.Policy, url string) (*crawler.Document, error) {
	req := crawler.QueueRequest{URL: url, Depth: parent.Depth + 1}
	switch {
	case child.Eligibility == crawler.CrawlAlways:
	case child.Eligibility == crawler.CrawlNever:
		return s.existing(ctx, url)
	case parentPolicy.Eligibility == crawler.CrawlAlways && parentPolicy.CrawlDepth > 0:
		req.Recurse = parentPolicy.CrawlDepth
	case parentPolicy.Eligibility == crawler.CrawlOnDepth && parent.Recurse > 1:
		req.Recurse = parent.Recurse - 1
	default:
		return s.existing(ctx, url)
	}
	doc, err := s.store.Queue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", url, err)
	}
	return &doc, nil
}

func (s *Scheduler) existing(ctx context.Context, url string) (*crawler.Document, error) {
	doc, err := s.store.Get(ctx, url)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", url, err)
	}
	return &doc, nil
}

// saveIndexed persists the document with its full link set, re-running
// the write when it lost a race on the same URL.
func (s *Scheduler) saveIndexed(ctx context.Context, doc crawler.Document, links []crawler.Link) (crawler.Document, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		saved crawler.Document
		err   error
	)
	for attempt := 0; attempt < s.cfg.SaveRetries; attempt++ {
		saved, err = s.store.SaveIndexed(ctx, doc, links)
		if err == nil || !errors.Is(err, crawler.ErrConstraintViolation) {
			break
		}
		s.logger.Warn("indexed save conflicted, retrying", zap.String("url", doc.URL), zap.Int("attempt", attempt+1))
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("save indexed %s: %w", doc.URL, err)
	}
	metrics.ObserveStep(string(saved.Status))
	return saved, nil
}

func (s *Scheduler) relink(ctx context.Context, doc crawler.Document, log *zap.Logger) {
	n, err := s.store.RelinkExtern(context.WithoutCancel(ctx), doc.URL, doc.ID)
	if err != nil {
		log.Warn("relink extern links failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Debug("relinked extern links", zap.Int("count", n))
	}
}

func (s *Scheduler) publish(ctx context.Context, doc crawler.Document, log *zap.Logger) {
	if s.publisher == nil {
		return
	}
	event := crawler.DocumentChanged{
		URL:       doc.URL,
		Hash:      doc.ContentHash,
		Lang:      doc.Lang,
		Title:     doc.Title,
		LinkCount: doc.LinkCount,
		CrawledAt: *doc.CrawlLast,
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, event); err != nil {
		log.Warn("publish change event failed", zap.Error(err))
	}
}

// mimetype returns the declared media type, sniffing the body when the
// server sent none.
func mimetype(page crawler.Page) string {
	if page.Mimetype != "" {
		return page.Mimetype
	}
	sniffed := http.DetectContentType(page.Content)
	mt, _, err := mime.ParseMediaType(sniffed)
	if err != nil {
		return sniffed
	}
	return mt
}
