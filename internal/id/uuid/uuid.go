// Package uuid generates time-ordered identifiers for crawl runs and page
// records.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings. The zero value is ready to use.
type Generator struct {
	// Prefix is prepended verbatim to every generated ID.
	Prefix string
}

// New creates a Generator without a prefix.
func New() *Generator {
	return &Generator{}
}

// NewID implements crawler.IDGenerator.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.Prefix + id.String(), nil
}
