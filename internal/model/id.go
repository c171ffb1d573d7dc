package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Task, group, chord, and report
// identifiers all share this scheme so they sort by creation time.
func NewID() string {
	return ulid.Make().String()
}
