package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidURL is returned when a URL cannot be parsed.
	ErrInvalidURL = errors.New("invalid url")
	// ErrNoPolicyMatch is returned when no policy rule matches a URL.
	ErrNoPolicyMatch = errors.New("no policy matches url")
	// ErrTooManyRedirects is returned when a fetch exceeds the redirect ceiling.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrConstraintViolation is returned when concurrent writes race on one URL.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrFetcherCrashed reports that the fetcher's backing process died.
	ErrFetcherCrashed = errors.New("fetcher crashed")
	// ErrFetcherUnavailable reports a fetcher kind this configuration cannot
	// build. Retrying does not help.
	ErrFetcherUnavailable = errors.New("fetcher unavailable")
	// ErrClaimed is returned when another worker holds the document.
	ErrClaimed = errors.New("document claimed by another worker")
)

// PageTooBigError is returned once a body exceeds the configured size limit.
type PageTooBigError struct {
	Size  int64
	Limit int64
}

func (e *PageTooBigError) Error() string {
	return fmt.Sprintf("document size is too big (%d kB > %d kB)", e.Size/1024, e.Limit/1024)
}

// AuthElemFailedError is returned when the auth form selector does not
// match exactly one element.
type AuthElemFailedError struct {
	URL      string
	Selector string
	Matches  int
}

func (e *AuthElemFailedError) Error() string {
	return fmt.Sprintf("locating authentication element failed at %s: %q matched %d elements", e.URL, e.Selector, e.Matches)
}

// HTTPError is returned for non-success responses when the caller asked
// for status checking.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.StatusCode, e.URL)
}

// IsSkip reports whether err is a content-class failure: the URL is
// recorded as errored and not retried.
func IsSkip(err error) bool {
	var tooBig *PageTooBigError
	var httpErr *HTTPError
	return errors.As(err, &tooBig) || errors.As(err, &httpErr) || errors.Is(err, ErrTooManyRedirects)
}

// IsTransient reports whether err warrants reinitializing the fetcher and
// trying again.
func IsTransient(err error) bool {
	if err == nil || IsSkip(err) {
		return false
	}
	if errors.Is(err, ErrFetcherCrashed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
