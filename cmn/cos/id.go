// ID generation, modeled on cmn/cos/uuid.go: shortid for externally
// visible ticket/connection identifiers, xxhash for internal cache keys
// that never leave the process.
package cos

import (
	"strconv"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func initShortID() {
	// worker=1 is fine: ticket/stream IDs are connection- or
	// process-scoped, not shared across a fleet of generators the way
	// the teacher's daemon IDs are.
	s, err := shortid.New(1, shortid.DefaultABC, 1)
	if err != nil {
		panic("cos: shortid init: " + err.Error())
	}
	sid = s
}

// GenTicketID returns a short, URL-safe, practically-unique id for an
// async.Manager lifecycle record.
func GenTicketID() string {
	sidOnce.Do(initShortID)
	return sid.MustGenerate()
}

// GenStreamLID returns a human-readable log identifier for a stream: its
// numeric id prefixed with "s". No tie-breaker is added, so two streams
// with the same id on different connections get the same identifier.
func GenStreamLID(streamID int) string {
	return "s" + strconv.Itoa(streamID)
}

// HashKey hashes an arbitrary byte key into a 64-bit xxhash value for use
// as a cache key. priotree's denominator cache does not use it; that
// cache is invalidated by the tree's mutation epoch.
func HashKey(b []byte) uint64 {
	return xxhash.Checksum64(b)
}
