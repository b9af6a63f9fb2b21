package crawler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DocumentStore persists documents, their outbound links, and the queue
// state carried on each document.
type DocumentStore interface {
	Queue(ctx context.Context, req QueueRequest) (Document, error)
	Get(ctx context.Context, url string) (Document, error)
	GetByID(ctx context.Context, id int64) (Document, error)
	ClaimNext(ctx context.Context, workerID string, now time.Time) (Document, error)
	ClaimOrCreate(ctx context.Context, url string, depth int, workerID string) (Document, error)
	Release(ctx context.Context, id int64, workerID string) error
	// ResetClaims returns every claimed document to the queue and reports
	// how many were released.
	ResetClaims(ctx context.Context) (int64, error)
	SaveIndexed(ctx context.Context, doc Document, links []Link) (Document, error)
	SaveOutcome(ctx context.Context, doc Document, clearLinks bool) (Document, error)
	RelinkExtern(ctx context.Context, url string, docID int64) (int, error)
	Links(ctx context.Context, docID int64) ([]Link, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// DomainStore persists per-domain crawl state.
type DomainStore interface {
	GetDomain(ctx context.Context, domain string) (DomainSetting, error)
	// UpsertDomain inserts the setting unless one exists and returns the
	// stored row.
	UpsertDomain(ctx context.Context, setting DomainSetting) (DomainSetting, error)
	// ReserveFetch atomically books the next fetch slot for the domain and
	// returns when it starts.
	ReserveFetch(ctx context.Context, domain string, now time.Time, delay time.Duration) (time.Time, error)
	SetBrowseMode(ctx context.Context, domain string, mode BrowseMode) error
}

// CookieStore persists cookies keyed by (domain, name, path).
type CookieStore interface {
	// CookiesForHost returns every cookie whose domain is host or one of
	// its parent domains.
	CookiesForHost(ctx context.Context, host string) ([]Cookie, error)
	UpsertCookies(ctx context.Context, cookies []Cookie) error
	DeleteCookies(ctx context.Context, cookies []Cookie) error
}

// CookieJar reconstructs and records cookies around each fetch.
type CookieJar interface {
	ForURL(ctx context.Context, rawURL string) ([]Cookie, error)
	Set(ctx context.Context, rawURL string, cookies []*http.Cookie) ([]Cookie, error)
}

// Fetcher retrieves pages. Implementations own their resources and are
// used by a single worker.
type Fetcher interface {
	Get(ctx context.Context, url string, opts GetOptions) (Page, error)
	PostForm(ctx context.Context, url string, fields url.Values) (Page, error)
	Authenticate(ctx context.Context, page Page, target string, auth Auth) (Page, error)
	Close() error
}

// PolicyResolver returns the policy applicable to a URL.
type PolicyResolver interface {
	Resolve(url string) (Policy, error)
}

// PostFetchHook runs after a successful fetch and before link extraction.
type PostFetchHook interface {
	AfterFetch(ctx context.Context, page Page, policy Policy) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for change detection.
type Hasher interface {
	Hash(data []byte, mode HashMode) (string, error)
}

// LangDetector guesses the ISO 639-1 language of a text.
type LangDetector interface {
	Detect(text string) string
}

// Clock tells and waits out time. Tests substitute a fake.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces worker and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
