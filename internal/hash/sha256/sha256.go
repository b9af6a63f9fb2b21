// Package sha256 hashes page content for change detection.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

var digits = regexp.MustCompile(`[0-9]+`)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data under mode. HashNoNumbers collapses
// every run of digits to "0" first so counters and timestamps embedded in
// a page do not register as changes; non UTF-8 input is hashed raw.
func (h *Hasher) Hash(data []byte, mode crawler.HashMode) (string, error) {
	switch mode {
	case crawler.HashRaw, "":
	case crawler.HashNoNumbers:
		if utf8.Valid(data) {
			data = digits.ReplaceAll(data, []byte("0"))
		}
	default:
		return "", fmt.Errorf("unsupported hash mode %q", mode)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
