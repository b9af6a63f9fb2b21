// Package lang detects the language of indexed text.
package lang

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// Detector implements crawler.LangDetector with whatlanggo trigram models.
type Detector struct {
	minChars int
}

// New returns a Detector that refuses to guess on fewer than minChars
// characters of input.
func New(minChars int) *Detector {
	return &Detector{minChars: minChars}
}

// Detect returns the ISO 639-1 code for text, or "" when the text is too
// short or the guess is unreliable.
func (d *Detector) Detect(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) < d.minChars {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
