// Package ids mints build identifiers. ULIDs sort lexicographically by
// creation time, so a newest-first build listing is an index walk, and the
// id printed in a log line dates the build on sight.
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

// New returns a build identifier. Identifiers minted within the same
// millisecond still sort in mint order.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
