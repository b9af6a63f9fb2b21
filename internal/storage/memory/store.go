// Package memory implements the crawl stores in process memory. It backs
// tests and single-process development runs (storage.driver=memory).
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

// Store implements crawler.DocumentStore, crawler.DomainStore and
// crawler.CookieStore behind a single mutex. Values are copied on the way
// in and out.
type Store struct {
	mu      sync.Mutex
	clock   crawler.Clock
	nextID  int64
	docs    map[int64]*crawler.Document
	byURL   map[string]int64
	links   map[int64][]crawler.Link
	domains map[string]*crawler.DomainSetting
	pacers  map[string]*pacer
	cookies map[cookieKey]crawler.Cookie
}

type cookieKey struct {
	domain, name, path string
}

type pacer struct {
	delay   time.Duration
	limiter *rate.Limiter
}

// NewStore creates an empty Store. clock supplies timestamps for forced
// re-queues.
func NewStore(clock crawler.Clock) *Store {
	return &Store{
		clock:   clock,
		docs:    make(map[int64]*crawler.Document),
		byURL:   make(map[string]int64),
		links:   make(map[int64][]crawler.Link),
		domains: make(map[string]*crawler.DomainSetting),
		pacers:  make(map[string]*pacer),
		cookies: make(map[cookieKey]crawler.Cookie),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Queue inserts req.URL if absent. An existing document keeps the larger
// recurse budget and the smaller depth; Force re-queues it for a crawl.
func (s *Store) Queue(_ context.Context, req crawler.QueueRequest) (crawler.Document, error) {
	if req.URL == "" {
		return crawler.Document{}, fmt.Errorf("queue document: %w: empty url", crawler.ErrInvalidURL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byURL[req.URL]; ok {
		doc := s.docs[id]
		if req.Recurse > doc.Recurse {
			doc.Recurse = req.Recurse
		}
		if req.Depth < doc.Depth {
			doc.Depth = req.Depth
		}
		if req.Force && doc.WorkerID == "" {
			now := s.clock.Now()
			doc.Status = crawler.StatusQueued
			doc.CrawlNext = &now
		}
		return cloneDoc(doc), nil
	}
	doc := s.insertLocked(req.URL, req.Depth)
	doc.Recurse = req.Recurse
	return cloneDoc(doc), nil
}

// Get returns the document stored under url.
func (s *Store) Get(_ context.Context, url string) (crawler.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byURL[url]
	if !ok {
		return crawler.Document{}, fmt.Errorf("get document %s: %w", url, crawler.ErrNotFound)
	}
	return cloneDoc(s.docs[id]), nil
}

// GetByID returns the document with the given id.
func (s *Store) GetByID(_ context.Context, id int64) (crawler.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return crawler.Document{}, fmt.Errorf("get document %d: %w", id, crawler.ErrNotFound)
	}
	return cloneDoc(doc), nil
}

// ClaimNext claims the next unclaimed document that was never crawled
// (lowest id first) or whose crawl_next is due (earliest first).
func (s *Store) ClaimNext(_ context.Context, workerID string, now time.Time) (crawler.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh, due []*crawler.Document
	for _, doc := range s.docs {
		if doc.WorkerID != "" {
			continue
		}
		switch {
		case doc.CrawlLast == nil && doc.Status == crawler.StatusQueued:
			fresh = append(fresh, doc)
		case doc.CrawlNext != nil && !doc.CrawlNext.After(now):
			due = append(due, doc)
		}
	}
	var pick *crawler.Document
	if len(fresh) > 0 {
		sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
		pick = fresh[0]
	} else if len(due) > 0 {
		sort.Slice(due, func(i, j int) bool {
			if !due[i].CrawlNext.Equal(*due[j].CrawlNext) {
				return due[i].CrawlNext.Before(*due[j].CrawlNext)
			}
			return due[i].ID < due[j].ID
		})
		pick = due[0]
	}
	if pick == nil {
		return crawler.Document{}, fmt.Errorf("claim next document: %w", crawler.ErrNotFound)
	}
	pick.Status = crawler.StatusFetching
	pick.WorkerID = workerID
	return cloneDoc(pick), nil
}

// ClaimOrCreate claims url for workerID, inserting it at depth when absent.
// It fails with crawler.ErrClaimed when another worker holds the document.
func (s *Store) ClaimOrCreate(_ context.Context, url string, depth int, workerID string) (crawler.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc *crawler.Document
	if id, ok := s.byURL[url]; ok {
		doc = s.docs[id]
		if doc.WorkerID != "" && doc.WorkerID != workerID {
			return crawler.Document{}, fmt.Errorf("claim %s: %w", url, crawler.ErrClaimed)
		}
	} else {
		doc = s.insertLocked(url, depth)
	}
	doc.Status = crawler.StatusFetching
	doc.WorkerID = workerID
	return cloneDoc(doc), nil
}

// Release drops workerID's claim and puts the document back in the queue.
func (s *Store) Release(_ context.Context, id int64, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("release document %d: %w", id, crawler.ErrNotFound)
	}
	if doc.WorkerID != workerID {
		return fmt.Errorf("release document %d: %w", id, crawler.ErrClaimed)
	}
	s.requeueLocked(doc)
	return nil
}

// requeueLocked clears the claim and makes sure the document is due again.
func (s *Store) requeueLocked(doc *crawler.Document) {
	doc.WorkerID = ""
	doc.Status = crawler.StatusQueued
	if doc.CrawlNext == nil {
		now := s.clock.Now()
		doc.CrawlNext = &now
	}
}

// ResetClaims releases every claimed document.
func (s *Store) ResetClaims(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, doc := range s.docs {
		if doc.WorkerID == "" {
			continue
		}
		s.requeueLocked(doc)
		n++
	}
	return n, nil
}

// SaveIndexed writes doc, replaces its outbound links and releases the
// claim in one step.
func (s *Store) SaveIndexed(_ context.Context, doc crawler.Document, links []crawler.Link) (crawler.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.writeLocked(doc)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("save indexed document: %w", err)
	}
	replaced := make([]crawler.Link, len(links))
	for i, l := range links {
		l.SourceID = stored.ID
		replaced[i] = cloneLink(l)
	}
	s.links[stored.ID] = replaced
	return cloneDoc(stored), nil
}

// SaveOutcome writes a skipped, errored or redirect record and releases
// the claim. clearLinks drops the document's outbound links.
func (s *Store) SaveOutcome(_ context.Context, doc crawler.Document, clearLinks bool) (crawler.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.writeLocked(doc)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("save document outcome: %w", err)
	}
	if clearLinks {
		delete(s.links, stored.ID)
	}
	return cloneDoc(stored), nil
}

// RelinkExtern points every extern link to url at docID.
func (s *Store) RelinkExtern(_ context.Context, url string, docID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for src, links := range s.links {
		for i := range links {
			if links[i].TargetID == nil && links[i].ExternURL == url {
				id := docID
				links[i].TargetID = &id
				links[i].ExternURL = ""
				n++
			}
		}
		s.links[src] = links
	}
	return n, nil
}

// Links returns the outbound links of docID in document order.
func (s *Store) Links(_ context.Context, docID int64) ([]crawler.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := s.links[docID]
	out := make([]crawler.Link, len(links))
	for i, l := range links {
		out[i] = cloneLink(l)
	}
	return out, nil
}

// Stats counts documents per status, links and domains.
func (s *Store) Stats(context.Context) (crawler.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := crawler.StoreStats{ByStatus: make(map[crawler.DocStatus]int)}
	for _, doc := range s.docs {
		stats.ByStatus[doc.Status]++
	}
	for _, links := range s.links {
		stats.Links += len(links)
	}
	stats.Domains = len(s.domains)
	return stats, nil
}

func (s *Store) insertLocked(url string, depth int) *crawler.Document {
	s.nextID++
	doc := &crawler.Document{ID: s.nextID, URL: url, Status: crawler.StatusQueued, Depth: depth}
	s.docs[doc.ID] = doc
	s.byURL[url] = doc.ID
	return doc
}

func (s *Store) writeLocked(doc crawler.Document) (*crawler.Document, error) {
	current, ok := s.docs[doc.ID]
	if !ok {
		return nil, fmt.Errorf("document %d: %w", doc.ID, crawler.ErrNotFound)
	}
	if current.URL != doc.URL {
		return nil, fmt.Errorf("document %d url changed to %s: %w", doc.ID, doc.URL, crawler.ErrConstraintViolation)
	}
	updated := cloneDoc(&doc)
	updated.WorkerID = ""
	*current = updated
	return current, nil
}

// GetDomain returns the stored setting for domain.
func (s *Store) GetDomain(_ context.Context, domain string) (crawler.DomainSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.domains[domain]
	if !ok {
		return crawler.DomainSetting{}, fmt.Errorf("get domain %s: %w", domain, crawler.ErrNotFound)
	}
	return cloneDomain(ds), nil
}

// UpsertDomain inserts setting unless the domain exists and returns the
// stored row.
func (s *Store) UpsertDomain(_ context.Context, setting crawler.DomainSetting) (crawler.DomainSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.domains[setting.Domain]; ok {
		return cloneDomain(ds), nil
	}
	stored := cloneDomain(&setting)
	s.domains[setting.Domain] = &stored
	return cloneDomain(&stored), nil
}

// ReserveFetch books the next fetch slot for domain using a per-domain
// token bucket with a burst of one, so slots are spaced at least delay
// apart.
func (s *Store) ReserveFetch(_ context.Context, domain string, now time.Time, delay time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.domains[domain]
	if !ok {
		ds = &crawler.DomainSetting{Domain: domain, BrowseMode: crawler.BrowseRequests, RobotsStatus: crawler.RobotsUnknown}
		s.domains[domain] = ds
	}
	p, ok := s.pacers[domain]
	if !ok || p.delay != delay {
		limit := rate.Inf
		if delay > 0 {
			limit = rate.Every(delay)
		}
		p = &pacer{delay: delay, limiter: rate.NewLimiter(limit, 1)}
		if ds.LastFetch != nil && delay > 0 {
			// Seed the bucket with the previous slot so a fresh limiter
			// still honours it.
			p.limiter.ReserveN(*ds.LastFetch, 1)
		}
		s.pacers[domain] = p
	}
	slot := now
	if wait := p.limiter.ReserveN(now, 1).DelayFrom(now); wait > 0 {
		slot = now.Add(wait)
	}
	ds.LastFetch = &slot
	return slot, nil
}

// SetBrowseMode records the browse mode chosen for domain.
func (s *Store) SetBrowseMode(_ context.Context, domain string, mode crawler.BrowseMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.domains[domain]
	if !ok {
		return fmt.Errorf("set browse mode for %s: %w", domain, crawler.ErrNotFound)
	}
	ds.BrowseMode = mode
	return nil
}

// CookiesForHost returns the cookies stored for host or any parent domain.
func (s *Store) CookiesForHost(_ context.Context, host string) ([]crawler.Cookie, error) {
	host = strings.ToLower(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.Cookie
	for _, c := range s.cookies {
		d := strings.ToLower(c.Domain)
		if d == host || strings.HasSuffix(host, "."+d) {
			out = append(out, cloneCookie(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// UpsertCookies inserts or replaces cookies keyed by domain, name and path.
func (s *Store) UpsertCookies(_ context.Context, cookies []crawler.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		s.cookies[cookieKey{c.Domain, c.Name, c.Path}] = cloneCookie(c)
	}
	return nil
}

// DeleteCookies removes cookies by domain, name and path.
func (s *Store) DeleteCookies(_ context.Context, cookies []crawler.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		delete(s.cookies, cookieKey{c.Domain, c.Name, c.Path})
	}
	return nil
}

func cloneDoc(d *crawler.Document) crawler.Document {
	cp := *d
	cp.CrawlFirst = cloneTime(d.CrawlFirst)
	cp.CrawlLast = cloneTime(d.CrawlLast)
	cp.CrawlNext = cloneTime(d.CrawlNext)
	return cp
}

func cloneLink(l crawler.Link) crawler.Link {
	if l.TargetID != nil {
		id := *l.TargetID
		l.TargetID = &id
	}
	return l
}

func cloneDomain(d *crawler.DomainSetting) crawler.DomainSetting {
	cp := *d
	cp.RobotsTxt = append([]byte(nil), d.RobotsTxt...)
	cp.LastFetch = cloneTime(d.LastFetch)
	return cp
}

func cloneCookie(c crawler.Cookie) crawler.Cookie {
	c.Expires = cloneTime(c.Expires)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
