// Package urlnorm canonicalizes URLs so equivalent spellings collapse to a
// single queue and storage key.
package urlnorm

import (
	"fmt"
	"strings"

	"github.com/nlnwa/whatwg-url/canonicalizer"
	whatwg "github.com/nlnwa/whatwg-url/url"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

// Options selects which URL components survive normalization.
type Options struct {
	KeepParams   bool
	KeepFragment bool
}

var parser = canonicalizer.WhatWg

// Normalize returns the canonical form of raw. The fragment is dropped
// unless KeepFragment is set and the query unless KeepParams is set.
// Normalize(Normalize(u)) == Normalize(u).
func Normalize(raw string, opts Options) (string, error) {
	u, err := parser.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", crawler.ErrInvalidURL, raw, err)
	}
	return render(u, opts), nil
}

// Absolutize resolves ref against base using standard URL resolution
// without stripping anything.
func Absolutize(base, ref string) (string, error) {
	u, err := parser.ParseRef(strings.TrimSpace(base), strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("%w: %q against %q: %v", crawler.ErrInvalidURL, ref, base, err)
	}
	return u.Href(false), nil
}

// Resolve absolutizes ref against base, then normalizes the result.
func Resolve(base, ref string, opts Options) (string, error) {
	u, err := parser.ParseRef(strings.TrimSpace(base), strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("%w: %q against %q: %v", crawler.ErrInvalidURL, ref, base, err)
	}
	return render(u, opts), nil
}

// Domain returns the scheme+host[:port] key used for DomainSetting rows,
// for example "https://example.com:8443".
func Domain(raw string) (string, error) {
	u, err := parser.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", crawler.ErrInvalidURL, raw, err)
	}
	if u.Host() == "" {
		return "", fmt.Errorf("%w: %q has no host", crawler.ErrInvalidURL, raw)
	}
	return u.Scheme() + "://" + u.Host(), nil
}

// Browsable reports whether ref is relative or uses http(s).
func Browsable(ref string) bool {
	ref = strings.TrimSpace(ref)
	i := strings.IndexAny(ref, ":/?#")
	if i <= 0 || ref[i] != ':' {
		return true
	}
	switch strings.ToLower(ref[:i]) {
	case "http", "https":
		return true
	default:
		return false
	}
}

func render(u *whatwg.Url, opts Options) string {
	if !opts.KeepParams {
		u.SetSearch("")
	}
	return u.Href(!opts.KeepFragment)
}
