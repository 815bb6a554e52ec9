// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// entityNamespace scopes name-based entity IDs so they never collide with
// other SHA-1 UUIDs derived from the same natural keys.
var entityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("oem-monitor/entity"))

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// EntityID derives a stable UUID from an entity's natural key, so the same
// product seen on two crawls maps to the same snapshot.
func EntityID(naturalKey string) string {
	return uuid.NewSHA1(entityNamespace, []byte(naturalKey)).String()
}
