package tokencache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/tokencache/internal/wire"
	"github.com/unkn0wn-root/tokencache/key"
	"github.com/unkn0wn-root/tokencache/token"
)

const (
	defaultTTL   = 10 * time.Minute
	defaultSweep = time.Hour
)

// entryMeta is the in-process side of a committed entry: the commit stamp
// binding it to the provider bytes, the composite expiration token, and the
// creation time. The provider holds only the framed payload; validity is
// decided here.
type entryMeta struct {
	stamp     uint64
	token     token.Token // nil => no expiration signal (TTL/eviction only)
	createdAt time.Time
}

type cache[V any] struct {
	ns       string
	provider Provider
	codec    Codec[V]
	log      Logger
	hooks    Hooks

	enabled bool

	defaultTTL     time.Duration
	sweepInterval  time.Duration
	computeSetCost SetCostFunc

	flight singleflight.Group

	// committed entry metadata; the provider may drop bytes independently
	// (capacity eviction), which reads observe as a plain miss
	entryMu sync.RWMutex
	entries map[string]*entryMeta
	stamp   atomic.Uint64

	// background sweep of fired-token metadata
	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("tokencache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("tokencache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("tokencache: namespace is required")
	}

	c := &cache[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		entries:  make(map[string]*entryMeta),
		enabled:  !opts.Disabled,
	}

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.defaultTTL = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)
	c.sweepInterval = coalesce[time.Duration](opts.CleanupInterval, defaultSweep)

	if opts.ComputeSetCost != nil {
		c.computeSetCost = opts.ComputeSetCost
	} else {
		c.computeSetCost = func(_ string, _ []byte, _ int) int64 { return 1 }
	}

	if c.enabled {
		c.ticker = time.NewTicker(c.sweepInterval)
		c.stopCh = make(chan struct{})
		c.closeWg.Add(1)
		go c.sweepLoop()
	}
	return c, nil
}

func (c *cache[V]) Enabled() bool { return c.enabled }

func (c *cache[V]) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.stopCh != nil {
			close(c.stopCh)
			c.closeWg.Wait()
			if c.ticker != nil {
				c.ticker.Stop()
			}
		}
	})
	if c.provider != nil {
		return c.provider.Close(ctx)
	}
	return nil
}

func (c *cache[V]) GetOrCreate(ctx context.Context, k key.Key, factory FactoryFn[V]) (V, error) {
	var zero V
	if !k.Valid() {
		return zero, ErrInvalidKey
	}
	if c.closed.Load() {
		return zero, ErrClosed
	}
	if !c.enabled {
		// pass-through: run the factory, cache nothing
		return factory(ctx, newEntry(c.defaultTTL))
	}

	sk := c.storageKey(k)

	// fast path: valid committed entry, no admission lock
	if v, ok, _ := c.lookup(ctx, sk); ok {
		return v, nil
	}

	// per-key admission: one factory in flight per storage key; callers for
	// other keys proceed independently
	ch := c.flight.DoChan(sk, func() (any, error) {
		// double-check under the flight; a previous flight may have committed
		if v, ok, _ := c.lookup(ctx, sk); ok {
			return v, nil
		}

		e := newEntry(c.defaultTTL)
		v, err := factory(ctx, e)
		if err != nil {
			// no negative caching: key stays absent, next access retries
			c.hooks.FactoryError(sk, err)
			return nil, err
		}
		if !e.skip {
			c.commit(ctx, sk, v, e)
		}
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		// abandon the flight; it completes for the remaining waiters
		return zero, ctx.Err()
	}
}

func (c *cache[V]) Get(ctx context.Context, k key.Key) (V, bool, error) {
	var zero V
	if !k.Valid() {
		return zero, false, ErrInvalidKey
	}
	if c.closed.Load() {
		return zero, false, ErrClosed
	}
	if !c.enabled {
		return zero, false, nil
	}
	return c.lookup(ctx, c.storageKey(k))
}

func (c *cache[V]) Remove(ctx context.Context, k key.Key) error {
	if !k.Valid() {
		return ErrInvalidKey
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.enabled {
		return nil
	}
	sk := c.storageKey(k)
	c.entryMu.Lock()
	delete(c.entries, sk)
	c.entryMu.Unlock()
	err := c.provider.Del(ctx, sk)
	c.log.Debug("removed entry", Fields{"key": sk})
	return err
}

// lookup returns the committed value for sk if its metadata exists, none of
// its tokens have fired, and the provider bytes validate against the commit
// stamp. Invalid entries are dropped on sight (self-heal). The error, when
// non-nil, is a provider read error; the caller decides whether that is
// fatal (Get) or a miss (GetOrCreate).
func (c *cache[V]) lookup(ctx context.Context, sk string) (V, bool, error) {
	var zero V

	c.entryMu.RLock()
	meta, ok := c.entries[sk]
	c.entryMu.RUnlock()
	if !ok {
		return zero, false, nil
	}

	if meta.token != nil && meta.token.HasFired() {
		c.drop(ctx, sk, meta.stamp, "token_fired")
		return zero, false, nil
	}

	raw, ok, err := c.provider.Get(ctx, sk)
	if err != nil {
		c.hooks.ProviderGetError(sk, err)
		return zero, false, err
	}
	if !ok {
		// provider evicted the bytes; retract the orphaned metadata
		c.dropMeta(sk, meta.stamp)
		return zero, false, nil
	}

	stamp, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		c.drop(ctx, sk, meta.stamp, "corrupt")
		return zero, false, nil
	}
	if stamp != meta.stamp {
		c.drop(ctx, sk, meta.stamp, "stamp_mismatch")
		return zero, false, nil
	}

	v, err := c.codec.Decode(payload)
	if err != nil {
		c.drop(ctx, sk, meta.stamp, "value_decode")
		return zero, false, nil
	}
	return v, true, nil
}

// commit stores the factory result: metadata first (stamp + composite
// token), then the framed bytes. A concurrent lookup between the two steps
// observes a miss, never an unguarded value.
func (c *cache[V]) commit(ctx context.Context, sk string, v V, e *Entry) {
	payload, err := c.codec.Encode(v)
	if err != nil {
		// value is served to callers; it just is not cached
		c.hooks.EncodeError(sk, err)
		c.log.Warn("entry encode failed; serving uncached", Fields{"key": sk, "err": err})
		return
	}

	stamp := c.stamp.Add(1)
	frame := wire.EncodeEntry(stamp, payload)
	tok := token.Compose(e.tokens...)

	c.entryMu.Lock()
	c.entries[sk] = &entryMeta{stamp: stamp, token: tok, createdAt: time.Now()}
	c.entryMu.Unlock()

	ok, err := c.provider.Set(ctx, sk, frame, c.computeSetCost(sk, frame, len(e.tokens)), e.ttl)
	if err != nil || !ok {
		// store rejected under pressure; retract the metadata
		c.dropMeta(sk, stamp)
		c.hooks.ProviderSetRejected(sk)
		c.log.Debug("provider rejected Set", Fields{"key": sk, "err": err})
	}
}

func (c *cache[V]) storageKey(k key.Key) string {
	// isolate by namespace
	return "entry:" + c.ns + ":" + k.String()
}

// drop removes both sides of an entry if the stamp still matches (a newer
// commit for the same key must not be clobbered by a stale drop).
func (c *cache[V]) drop(ctx context.Context, sk string, stamp uint64, reason string) {
	if c.dropMeta(sk, stamp) {
		_ = c.provider.Del(ctx, sk)
		c.hooks.EntryInvalidated(sk, reason)
	}
}

func (c *cache[V]) dropMeta(sk string, stamp uint64) bool {
	c.entryMu.Lock()
	defer c.entryMu.Unlock()
	if meta, ok := c.entries[sk]; ok && meta.stamp == stamp {
		delete(c.entries, sk)
		return true
	}
	return false
}

func (c *cache[V]) sweepLoop() {
	defer c.closeWg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.sweepFired(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// sweepFired proactively drops entries whose tokens fired, so invalidated
// values do not sit in the provider until their next access or TTL.
func (c *cache[V]) sweepFired(ctx context.Context) {
	type victim struct {
		sk    string
		stamp uint64
	}
	var victims []victim

	c.entryMu.RLock()
	for sk, meta := range c.entries {
		if meta.token != nil && meta.token.HasFired() {
			victims = append(victims, victim{sk: sk, stamp: meta.stamp})
		}
	}
	c.entryMu.RUnlock()

	for _, vic := range victims {
		c.drop(ctx, vic.sk, vic.stamp, "token_fired")
	}
	if len(victims) > 0 {
		c.log.Debug("sweep dropped fired entries", Fields{"count": len(victims)})
	}
}
