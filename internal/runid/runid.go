// Package runid mints identifiers for search runs.
package runid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered run identifiers.
type Generator struct{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string, so run IDs sort by start time.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}
