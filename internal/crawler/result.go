package crawler

// ResultKind tags a FetchResult.
type ResultKind int

// Fetch result kinds.
const (
	ResultOK ResultKind = iota
	ResultSkip
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultSkip:
		return "skip"
	case ResultFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FetchResult is the outcome of a dispatched fetch: Ok(Page), Skip(reason)
// or Fatal(err). Err is set for both Skip and Fatal.
type FetchResult struct {
	Kind ResultKind
	Page Page
	Err  error
}

// Ok wraps a fetched page.
func Ok(page Page) FetchResult {
	return FetchResult{Kind: ResultOK, Page: page}
}

// Skip records a content-class failure that must not be retried.
func Skip(err error) FetchResult {
	return FetchResult{Kind: ResultSkip, Err: err}
}

// Fatal records a terminal failure for the URL.
func Fatal(err error) FetchResult {
	return FetchResult{Kind: ResultFatal, Err: err}
}

// Classify turns a fetch error into the matching result.
func Classify(page Page, err error) FetchResult {
	switch {
	case err == nil:
		return Ok(page)
	case IsSkip(err):
		return Skip(err)
	default:
		return Fatal(err)
	}
}
