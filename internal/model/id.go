package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewIDAt generates a ULID whose timestamp component is t, so IDs minted
// under an injected clock still sort by event time.
func NewIDAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
