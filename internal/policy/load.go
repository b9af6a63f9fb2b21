package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

type ruleFile struct {
	Policies []crawler.Policy `yaml:"policies"`
}

// LoadFile reads an ordered rule list from a YAML document of the form
//
//	policies:
//	  - url_regex: "^https://docs\\.example\\.com/"
//	    eligibility: always
//	  - url_regex: ".*"
//	    eligibility: never
func LoadFile(path string) ([]crawler.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule list.
func Parse(data []byte) ([]crawler.Policy, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	if len(f.Policies) == 0 {
		return nil, fmt.Errorf("policy file defines no rules")
	}
	return f.Policies, nil
}

// Load builds a resolver from path, or the default catch-all when path is
// empty.
func Load(path string) (*Resolver, error) {
	if path == "" {
		return NewResolver([]crawler.Policy{Default()})
	}
	rules, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewResolver(rules)
}
