package tokencache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/tokencache/key"
	pr "github.com/unkn0wn-root/tokencache/provider"
)

// Provider re-exports the storage contract so most callers only import this
// package.
type Provider = pr.Provider

// Codec encodes/decodes values V to []byte for storage. The codec subpackage
// ships JSON, msgpack, CBOR, protobuf, and raw implementations; any of them
// satisfies this interface structurally.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// SetCostFunc computes the cost passed to the provider on commit.
// tokens is the number of change tokens registered on the entry.
type SetCostFunc func(storageKey string, frame []byte, tokens int) int64

// FactoryFn computes the value for a missing entry. It runs at most once per
// key across all concurrent callers; every waiter receives its result or its
// error. The factory registers the entry's change-token dependencies through
// e before returning.
//
// Contract: the returned value must be fully materialized. It is encoded
// before the entry is committed, so no partially constructed state can ever
// be observed by other callers. Calling GetOrCreate for the same key from
// inside the factory deadlocks and is disallowed.
type FactoryFn[V any] func(ctx context.Context, e *Entry) (V, error)

// Cache is the exclusive (single-flight) memoization cache. V is the
// caller's value type; serialization is handled by a pluggable Codec[V].
//
// The cache is a process-wide resource: construct it once at startup and
// inject it into consumers. There is no persistence: restart clears all
// state, which is fine because every value is recomputable via its factory.
type Cache[V any] interface {
	// GetOrCreate returns the cached value for k, or runs factory exactly once
	// across all concurrent callers for k and caches its result. Factory
	// errors propagate verbatim to every waiter and nothing is cached.
	// Callers for other keys are never blocked. A waiter whose ctx is done
	// abandons the flight and returns ctx.Err(); the flight itself completes
	// for the remaining waiters.
	GetOrCreate(ctx context.Context, k key.Key, factory FactoryFn[V]) (V, error)

	// Get probes the cache without populating it. The error, when non-nil,
	// is a provider read error; (zero, false, nil) is a plain miss.
	Get(ctx context.Context, k key.Key) (v V, ok bool, err error)

	// Remove drops the entry for k, if any.
	Remove(ctx context.Context, k key.Key) error

	Enabled() bool

	// Close stops the background sweep and closes the provider. Operations
	// after Close return ErrClosed.
	Close(context.Context) error
}

// Options tune the cache. Namespace, Provider, and Codec are required;
// everything else has defaults.
type Options[V any] struct {
	// Required
	Namespace string // logical namespace to isolate storage keys, e.g. "storefront"
	Provider  pr.Provider
	Codec     Codec[V]

	Logger          Logger        // if nil, NopLogger is used
	Hooks           Hooks         // if nil, NopHooks is used
	DefaultTTL      time.Duration // entry TTL unless overridden by the factory; 0 => 10m
	CleanupInterval time.Duration // fired-entry metadata sweep; 0 => 1h
	Disabled        bool          // when true, GetOrCreate degrades to a plain factory call
	ComputeSetCost  SetCostFunc   // default 1
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
