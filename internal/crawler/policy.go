package crawler

import (
	"net/url"
	"time"
)

// Eligibility decides whether a URL may be crawled.
type Eligibility string

// Eligibility values.
const (
	CrawlAlways  Eligibility = "always"
	CrawlOnDepth Eligibility = "depth"
	CrawlNever   Eligibility = "never"
)

// RecrawlMode controls how crawl_next is computed after a fetch.
type RecrawlMode string

// Recrawl modes.
const (
	RecrawlNone     RecrawlMode = "none"
	RecrawlConstant RecrawlMode = "constant"
	RecrawlAdaptive RecrawlMode = "adaptive"
)

// HashMode controls how page content is hashed for change detection.
type HashMode string

// Hash modes.
const (
	HashRaw       HashMode = "raw"
	HashNoNumbers HashMode = "no_numbers"
)

// Auth describes the login form sub-protocol for a policy.
type Auth struct {
	LoginURLRegex string            `yaml:"login_url_regex" json:"login_url_regex,omitempty"`
	FormSelector  string            `yaml:"form_selector" json:"form_selector,omitempty"`
	Fields        map[string]string `yaml:"fields" json:"fields,omitempty"`
}

// Enabled reports whether the auth sub-protocol is configured.
func (a Auth) Enabled() bool {
	return a.LoginURLRegex != "" && a.FormSelector != ""
}

// Values returns the configured fields as form values.
func (a Auth) Values() url.Values {
	v := url.Values{}
	for k, val := range a.Fields {
		v.Set(k, val)
	}
	return v
}

// Exclusions lists content-exclusion regexes applied to snapshots.
type Exclusions struct {
	Element  string `yaml:"element" json:"element,omitempty"`
	URL      string `yaml:"url" json:"url,omitempty"`
	Mimetype string `yaml:"mimetype" json:"mimetype,omitempty"`
}

// Recrawl configures recrawl scheduling.
type Recrawl struct {
	Mode        RecrawlMode   `yaml:"mode" json:"mode"`
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval"`
}

// Policy is the resolved, immutable set of crawl rules for a URL.
type Policy struct {
	URLRegex         string      `yaml:"url_regex" json:"url_regex"`
	Eligibility      Eligibility `yaml:"eligibility" json:"eligibility"`
	BrowseMode       BrowseMode  `yaml:"browse_mode" json:"browse_mode"`
	CrawlDepth       int         `yaml:"crawl_depth" json:"crawl_depth"`
	KeepParams       bool        `yaml:"keep_params" json:"keep_params"`
	StoreExternLinks bool        `yaml:"store_extern_links" json:"store_extern_links"`
	RemoveNav        bool        `yaml:"remove_nav" json:"remove_nav"`
	MimetypeRegex    string      `yaml:"mimetype_regex" json:"mimetype_regex"`
	Auth             Auth        `yaml:"auth" json:"auth"`
	Exclusions       Exclusions  `yaml:"exclusions" json:"exclusions"`
	Recrawl          Recrawl     `yaml:"recrawl" json:"recrawl"`
	HashMode         HashMode    `yaml:"hash_mode" json:"hash_mode"`
	Snapshot         bool        `yaml:"snapshot" json:"snapshot"`
}

// Clone returns a deep copy so callers cannot mutate shared rule state.
func (p Policy) Clone() Policy {
	cp := p
	if p.Auth.Fields != nil {
		cp.Auth.Fields = make(map[string]string, len(p.Auth.Fields))
		for k, v := range p.Auth.Fields {
			cp.Auth.Fields[k] = v
		}
	}
	return cp
}
