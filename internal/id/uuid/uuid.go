// Package uuid generates worker and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings, optionally prefixed.
type Generator struct {
	prefix string
}

// New creates a Generator. A non-empty prefix is joined to each ID with a dash,
// e.g. "worker-0190c3d2-...".
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a UUID v7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "-" + id.String(), nil
}
