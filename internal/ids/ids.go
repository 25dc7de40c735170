package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind prefixes make identifiers self-describing in logs and audit rows.
type Kind string

const (
	Donation    Kind = "don"
	Request     Kind = "req"
	Hospital    Kind = "hsp"
	Reservation Kind = "rsv"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewKind returns New() prefixed with the kind, e.g. "don_01J...".
func NewKind(k Kind) string {
	return string(k) + "_" + New()
}

// KindOf returns the prefix of an id minted by NewKind, or "" for bare ids.
func KindOf(id string) Kind {
	prefix, _, ok := strings.Cut(id, "_")
	if !ok {
		return ""
	}
	return Kind(prefix)
}
