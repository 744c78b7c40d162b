package workflow

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idEntropy is a package-level, mutex-guarded ULID entropy source. ulid.New
// requires an io.Reader that need not itself be safe for concurrent use, so
// callers are serialized here the same way the teacher serializes its own
// session-id generator.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new, lexicographically sortable, time-prefixed ULID
// string, used for every generated identifier in this package (run ids,
// event ids, provenance ids, attestation ids, subscription ids).
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
