// Package policy resolves the crawl policy that applies to a URL.
//
// Rules are evaluated in author order and the first rule whose regex
// matches wins. There is no implicit specificity ranking, so a broad rule
// placed before a narrow one shadows it; rule files are expected to end
// with a catch-all ".*" rule.
package policy

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

// CatchAll is the regex of the mandatory fallback rule.
const CatchAll = ".*"

type rule struct {
	re     *regexp.Regexp
	policy crawler.Policy
}

// Resolver matches URLs against an ordered rule list.
type Resolver struct {
	rules []rule
}

// NewResolver validates and compiles rules. Defaults are filled in for
// unset fields.
func NewResolver(policies []crawler.Policy) (*Resolver, error) {
	rules := make([]rule, 0, len(policies))
	for i, p := range policies {
		p = withDefaults(p)
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("policy %d (%q): %w", i, p.URLRegex, err)
		}
		re, err := compile(p.URLRegex)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		rules = append(rules, rule{re: re, policy: p.Clone()})
	}
	return &Resolver{rules: rules}, nil
}

// Resolve returns a copy of the first rule matching url.
func (r *Resolver) Resolve(url string) (crawler.Policy, error) {
	for _, rl := range r.rules {
		if rl.re.MatchString(url) {
			return rl.policy.Clone(), nil
		}
	}
	return crawler.Policy{}, fmt.Errorf("%w: %s", crawler.ErrNoPolicyMatch, url)
}

// Rules returns copies of the configured rules in evaluation order.
func (r *Resolver) Rules() []crawler.Policy {
	out := make([]crawler.Policy, len(r.rules))
	for i, rl := range r.rules {
		out[i] = rl.policy.Clone()
	}
	return out
}

// HasCatchAll reports whether the last rule matches every URL.
func (r *Resolver) HasCatchAll() bool {
	if len(r.rules) == 0 {
		return false
	}
	return r.rules[len(r.rules)-1].policy.URLRegex == CatchAll
}

// Default returns the single permissive catch-all rule used when no rule
// file is configured.
func Default() crawler.Policy {
	return withDefaults(crawler.Policy{URLRegex: CatchAll})
}

func withDefaults(p crawler.Policy) crawler.Policy {
	if p.Eligibility == "" {
		p.Eligibility = crawler.CrawlAlways
	}
	if p.BrowseMode == "" {
		p.BrowseMode = crawler.BrowseRequests
	}
	if p.MimetypeRegex == "" {
		p.MimetypeRegex = "text/.*"
	}
	if p.HashMode == "" {
		p.HashMode = crawler.HashNoNumbers
	}
	if p.Recrawl.Mode == "" {
		p.Recrawl.Mode = crawler.RecrawlAdaptive
	}
	if p.Recrawl.MinInterval == 0 {
		p.Recrawl.MinInterval = 24 * time.Hour
	}
	if p.Recrawl.MaxInterval == 0 {
		p.Recrawl.MaxInterval = 365 * 24 * time.Hour
	}
	return p
}

func validate(p crawler.Policy) error {
	switch p.Eligibility {
	case crawler.CrawlAlways, crawler.CrawlOnDepth, crawler.CrawlNever:
	default:
		return fmt.Errorf("unknown eligibility %q", p.Eligibility)
	}
	if !p.BrowseMode.Valid() {
		return fmt.Errorf("unknown browse mode %q", p.BrowseMode)
	}
	switch p.Recrawl.Mode {
	case crawler.RecrawlNone, crawler.RecrawlConstant, crawler.RecrawlAdaptive:
	default:
		return fmt.Errorf("unknown recrawl mode %q", p.Recrawl.Mode)
	}
	switch p.HashMode {
	case crawler.HashRaw, crawler.HashNoNumbers:
	default:
		return fmt.Errorf("unknown hash mode %q", p.HashMode)
	}
	if p.CrawlDepth < 0 {
		return fmt.Errorf("crawl_depth must be >= 0")
	}
	if p.Recrawl.MaxInterval < p.Recrawl.MinInterval {
		return fmt.Errorf("recrawl max_interval must be >= min_interval")
	}
	for _, pattern := range []string{
		p.MimetypeRegex,
		p.Auth.LoginURLRegex,
		p.Exclusions.Element,
		p.Exclusions.URL,
		p.Exclusions.Mimetype,
	} {
		if _, err := compile(pattern); err != nil {
			return err
		}
	}
	return nil
}

var patterns sync.Map

func compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile regex %q: %w", pattern, err)
	}
	patterns.Store(pattern, re)
	return re, nil
}

// Match reports whether s matches pattern. An empty pattern never matches;
// invalid patterns are rejected when the resolver is built.
func Match(pattern, s string) bool {
	if pattern == "" {
		return false
	}
	re, err := compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
