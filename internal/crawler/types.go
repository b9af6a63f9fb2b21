package crawler

import (
	"net/http"
	"time"
)

// DocStatus represents the lifecycle state of a queued URL.
type DocStatus string

// Document status values persisted in the document store.
const (
	StatusQueued   DocStatus = "queued"
	StatusFetching DocStatus = "fetching"
	StatusIndexed  DocStatus = "indexed"
	StatusErrored  DocStatus = "errored"
	StatusSkipped  DocStatus = "skipped"
)

// Document is the single persisted record for one normalized URL. It is
// both the crawl queue entry and the indexed page.
type Document struct {
	ID          int64         `json:"id"`
	URL         string        `json:"url"`
	Status      DocStatus     `json:"status"`
	Title       string        `json:"title,omitempty"`
	Content     string        `json:"content,omitempty"`
	ContentHash string        `json:"content_hash,omitempty"`
	Lang        string        `json:"lang,omitempty"`
	Mimetype    string        `json:"mimetype,omitempty"`
	Depth       int           `json:"depth"`
	Recurse     int           `json:"recurse"`
	LinkCount   int           `json:"link_count"`
	RedirectURL string        `json:"redirect_url,omitempty"`
	Error       string        `json:"error,omitempty"`
	RobotsDeny  bool          `json:"robots_rejected"`
	WorkerID    string        `json:"worker_id,omitempty"`
	CrawlFirst  *time.Time    `json:"crawl_first,omitempty"`
	CrawlLast   *time.Time    `json:"crawl_last,omitempty"`
	CrawlNext   *time.Time    `json:"crawl_next,omitempty"`
	CrawlDT     time.Duration `json:"crawl_dt,omitempty"`
}

// ClearContent drops everything derived from a previous fetch so the
// record can be rewritten as a redirect or error placeholder.
func (d *Document) ClearContent() {
	d.Title = ""
	d.Content = ""
	d.Mimetype = ""
	d.Lang = ""
	d.LinkCount = 0
	d.RedirectURL = ""
	d.RobotsDeny = false
}

// Link is a directed edge from a source document. Exactly one of TargetID
// and ExternURL is set.
type Link struct {
	SourceID  int64  `json:"source_id"`
	TargetID  *int64 `json:"target_id,omitempty"`
	ExternURL string `json:"extern_url,omitempty"`
	Text      string `json:"text"`
	Offset    int    `json:"offset"`
	Ordinal   int    `json:"ordinal"`
	Position  int    `json:"position"`
}

// BrowseMode selects the fetcher used for a URL.
type BrowseMode string

// Browse modes.
const (
	BrowseRequests BrowseMode = "requests"
	BrowseBrowser  BrowseMode = "browser"
	BrowseDetect   BrowseMode = "detect"
)

// Valid reports whether m is a known browse mode.
func (m BrowseMode) Valid() bool {
	switch m {
	case BrowseRequests, BrowseBrowser, BrowseDetect:
		return true
	default:
		return false
	}
}

// RobotsStatus records the outcome of the robots.txt fetch for a domain.
type RobotsStatus string

// Robots statuses.
const (
	RobotsUnknown RobotsStatus = "unknown"
	RobotsEmpty   RobotsStatus = "empty"
	RobotsLoaded  RobotsStatus = "loaded"
)

// DomainSetting is the per scheme+host[:port] crawl state.
type DomainSetting struct {
	Domain       string       `json:"domain"`
	BrowseMode   BrowseMode   `json:"browse_mode"`
	RobotsStatus RobotsStatus `json:"robots_status"`
	RobotsTxt    []byte       `json:"-"`
	LastFetch    *time.Time   `json:"last_fetch,omitempty"`
}

// Cookie is one persisted cookie keyed by (Domain, Name, Path).
type Cookie struct {
	Domain       string     `json:"domain"`
	IncSubdomain bool       `json:"inc_subdomain"`
	Name         string     `json:"name"`
	Value        string     `json:"value"`
	Path         string     `json:"path"`
	Expires      *time.Time `json:"expires,omitempty"`
	Secure       bool       `json:"secure"`
	HTTPOnly     bool       `json:"http_only"`
	SameSite     string     `json:"same_site,omitempty"`
}

// Expired reports whether the cookie expired at or before now.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires != nil && !c.Expires.After(now)
}

// GetOptions tunes a single fetcher Get call.
type GetOptions struct {
	CheckStatus bool
	MaxFileSize int64
	Headers     http.Header
	Raw         bool
}

// Page is the result of a successful fetch.
type Page struct {
	URL           string
	Content       []byte
	Mimetype      string
	StatusCode    int
	RedirectCount int
	Title         string
	Headers       http.Header
	Mode          BrowseMode
}

// ExtractedLink is one outbound link produced by the link extractor.
// URL is empty when the href does not use a browsable scheme.
type ExtractedLink struct {
	URL      string
	Raw      string
	Text     string
	Offset   int
	Ordinal  int
	Position int
}

// QueueRequest asks the store to insert a URL if it is absent.
type QueueRequest struct {
	URL     string
	Depth   int
	Recurse int
	Force   bool
}

// DocumentChanged is published when a crawl stores new content.
type DocumentChanged struct {
	URL       string    `json:"url"`
	Hash      string    `json:"hash"`
	Lang      string    `json:"lang,omitempty"`
	Title     string    `json:"title,omitempty"`
	LinkCount int       `json:"link_count"`
	CrawledAt time.Time `json:"crawled_at"`
}

// StoreStats summarizes the document table.
type StoreStats struct {
	ByStatus map[DocStatus]int `json:"by_status"`
	Links    int               `json:"links"`
	Domains  int               `json:"domains"`
}
