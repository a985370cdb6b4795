package tokencache

import (
	"time"

	"github.com/unkn0wn-root/tokencache/token"
)

// Entry collects the dependencies and storage settings of a value while its
// factory runs. It is handed to the factory before the entry is committed
// and must not be retained or used after the factory returns.
type Entry struct {
	tokens []token.Token
	ttl    time.Duration
	skip   bool
}

func newEntry(defaultTTL time.Duration) *Entry {
	return &Entry{ttl: defaultTTL}
}

// AddExpirationToken registers a change token; the entry is invalid as soon
// as any registered token fires. Nil tokens are ignored. With no tokens the
// entry lives until its TTL or the provider's capacity eviction removes it.
func (e *Entry) AddExpirationToken(t token.Token) {
	if t != nil {
		e.tokens = append(e.tokens, t)
	}
}

// SetTTL overrides the cache's default TTL for this entry. d <= 0 keeps the default.
func (e *Entry) SetTTL(d time.Duration) {
	if d > 0 {
		e.ttl = d
	}
}

// SkipStore computes the value without caching it. Useful when the factory
// decides its result should not be registered (e.g. a sentinel response).
func (e *Entry) SkipStore() { e.skip = true }
