package query

import "github.com/google/uuid"

// Issuer mints opaque tracking ids for new queries.
type Issuer interface {
	Issue() string
}

// UUIDIssuer issues random version-4 UUIDs. Collisions among tracked queries
// are cryptographically negligible at 122 random bits.
type UUIDIssuer struct{}

// Issue returns a new tracking id.
func (UUIDIssuer) Issue() string {
	return uuid.New().String()
}
