package storage

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid"
)

// NewID returns a 26-character, time-ordered ULID for a record created at t.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}
