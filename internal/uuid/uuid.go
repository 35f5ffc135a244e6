// Package uuid generates the ids Fairway assigns: random ids for entities
// saved without one, and time-ordered ids for mutation queue items.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a random (v4) id.
func New() string {
	return uuid.New().String()
}

// NewTimeOrdered generates a v7 id. Ids from one process sort lexically in
// creation order, which the mutation queue uses to break timestamp ties.
func NewTimeOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.New().String()
	}
	return id.String()
}

// IsValid reports whether s is a canonical hyphenated RFC 4122 id of any
// version. Braced, urn-prefixed and unhyphenated forms are rejected.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	return err == nil && id.Variant() == uuid.RFC4122
}

// Version returns the version of the id in s.
func Version(s string) (int, error) {
	if !IsValid(s) {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return int(uuid.MustParse(s).Version()), nil
}
