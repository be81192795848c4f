package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an entity identifier.
// Bacterium and simulation ids both come from here; ULIDs are never reused.
func NewID() string {
	return ulid.Make().String()
}
