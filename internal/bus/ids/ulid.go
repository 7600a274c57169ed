// Package ids generates the message identifiers used for ack correlation.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// MessageID returns id unchanged when the caller supplied one, otherwise a
// fresh ULID. Correlation keys require every in-flight message to carry an id.
func MessageID(id string) string {
	if id != "" {
		return id
	}
	return CreateULID()
}
