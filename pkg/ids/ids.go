// Package ids generates typed-prefix identifiers for gateway entities.
// An id looks like "gso_9f2c4a1d0b8e6f3a" — a short type prefix and a
// cryptographically random suffix.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Entity prefixes. New entity kinds get a new prefix here.
const (
	PrefixBlockEvent = "dcg"
	PrefixSyncOp     = "gso"
	PrefixProfile    = "prof"
	PrefixPool       = "pool"
	PrefixHistory    = "hist"
	PrefixAudit      = "aud"
	PrefixException  = "exc"
)

const suffixBytes = 8

var (
	seenMu sync.Mutex
	seen   = make(map[string]struct{})
)

// New returns a fresh identifier with the given prefix. A collision within
// the process lifetime is an invariant violation and panics.
func New(prefix string) string {
	buf := make([]byte, suffixBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("ids: crypto/rand failed: %v", err))
	}
	id := prefix + "_" + hex.EncodeToString(buf)

	seenMu.Lock()
	defer seenMu.Unlock()
	if _, dup := seen[id]; dup {
		panic(fmt.Sprintf("ids: generated duplicate id %q", id))
	}
	seen[id] = struct{}{}
	return id
}
