// Package ids generates the identifiers used throughout the session host.
//
// All identifiers are ULIDs (https://github.com/ulid/spec): lexicographically
// sortable by creation time, which lets persisted transcripts and debug rings
// be ordered by id alone when timestamps collide.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu       sync.Mutex
	entropy  = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string. Safe for concurrent use.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewSession returns a new session id.
func NewSession() string { return New() }

// NewBlock returns a new block id.
func NewBlock() string { return New() }

// NewClient returns a new subscriber/client id.
func NewClient() string { return New() }
