// Package region groups per-entity change tokens under a named domain
// ("Member", "Organization", ...). Expiring an entity id fires the current
// leaf token for that id and starts a new epoch, so only entries that
// registered the old epoch's token are invalidated.
package region

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/tokencache/token"
)

const (
	defaultMaxTracked = 65536
	defaultSweep      = time.Hour
	defaultRetention  = 24 * time.Hour
)

// Options tune a Region. The zero value gives sensible defaults.
type Options struct {
	// MaxTracked caps the number of live per-id leaves. When the cap is hit,
	// the least recently touched leaf is evicted and fired, so its dependents
	// refetch instead of becoming permanently un-invalidatable. 0 => 65536.
	MaxTracked int
	// CleanupInterval is how often idle leaves are pruned. 0 => 1h.
	CleanupInterval time.Duration
	// Retention is how long an untouched leaf survives before the sweep
	// prunes (and fires) it. 0 => 24h.
	Retention time.Duration
}

type slot struct {
	id      string
	tok     token.Token
	fire    func()
	touched time.Time
	elem    *list.Element
}

// Region is a named grouping of per-entity-id change tokens.
// Safe for concurrent use. Regions are process-wide: construct once at
// startup and inject into consumers.
type Region struct {
	name string

	mu    sync.Mutex
	slots map[string]*slot
	byAge *list.List // front = most recently touched

	maxTracked int
	retention  time.Duration

	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Region with the given logical name.
func New(name string, opts Options) *Region {
	r := &Region{
		name:       name,
		slots:      make(map[string]*slot),
		byAge:      list.New(),
		maxTracked: opts.MaxTracked,
		retention:  opts.Retention,
	}
	if r.maxTracked <= 0 {
		r.maxTracked = defaultMaxTracked
	}
	if r.retention <= 0 {
		r.retention = defaultRetention
	}

	sweep := opts.CleanupInterval
	if sweep <= 0 {
		sweep = defaultSweep
	}
	r.ticker = time.NewTicker(sweep)
	r.stopCh = make(chan struct{})
	r.closeWg.Add(1)
	go r.cleanupLoop()

	return r
}

// Name returns the region's logical name.
func (r *Region) Name() string { return r.name }

// CreateChangeToken returns (creating if absent) the current epoch leaf for
// entityId. Concurrent callers for the same id receive the same token
// instance; two concurrent calls for a new id never create two leaves.
func (r *Region) CreateChangeToken(entityId string) token.Token {
	now := time.Now()

	r.mu.Lock()
	s, ok := r.slots[entityId]
	if !ok {
		s = &slot{id: entityId}
		s.tok, s.fire = token.NewLeaf()
		r.slots[entityId] = s
		s.elem = r.byAge.PushFront(s)
	} else {
		r.byAge.MoveToFront(s.elem)
	}
	s.touched = now

	var evicted []func()
	for len(r.slots) > r.maxTracked {
		evicted = append(evicted, r.evictOldestLocked())
	}
	tok := s.tok
	r.mu.Unlock()

	// fire evicted leaves outside the lock
	for _, fire := range evicted {
		fire()
	}
	return tok
}

// Expire fires the current leaf for entityId and installs a fresh, unfired
// one for future subscribers. A no-op for ids with no live leaf (nothing
// subscribed, nothing to invalidate). Never blocks on consumers beyond their
// OnFire callbacks, which run outside the region lock.
//
// Expire racing a concurrent read is benign: a read populated just before
// the Expire registered the old epoch's token and is dropped on its next
// access. This read-after-write staleness is a documented relaxation, not a
// correctness violation.
func (r *Region) Expire(entityId string) {
	r.mu.Lock()
	s, ok := r.slots[entityId]
	if !ok {
		r.mu.Unlock()
		return
	}
	fire := s.fire
	s.tok, s.fire = token.NewLeaf()
	s.touched = time.Now()
	r.byAge.MoveToFront(s.elem)
	r.mu.Unlock()

	fire()
}

// ExpireAll fires every live leaf in the region and starts fresh epochs.
// Used for "flush everything under this domain" scenarios.
func (r *Region) ExpireAll() {
	now := time.Now()

	r.mu.Lock()
	fires := make([]func(), 0, len(r.slots))
	for _, s := range r.slots {
		fires = append(fires, s.fire)
		s.tok, s.fire = token.NewLeaf()
		s.touched = now
	}
	r.mu.Unlock()

	for _, fire := range fires {
		fire()
	}
}

// Len reports the number of live leaves. Intended for tests and metrics.
func (r *Region) Len() int {
	r.mu.Lock()
	n := len(r.slots)
	r.mu.Unlock()
	return n
}

// Cleanup prunes leaves untouched for longer than retention. Pruned leaves
// are fired so stale dependents refetch. Called by the background loop;
// exported for deterministic tests.
func (r *Region) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	var fires []func()
	for e := r.byAge.Back(); e != nil; {
		s := e.Value.(*slot)
		if s.touched.After(cutoff) {
			break // list is ordered by touch time
		}
		prev := e.Prev()
		fires = append(fires, s.fire)
		r.byAge.Remove(e)
		delete(r.slots, s.id)
		e = prev
	}
	r.mu.Unlock()

	for _, fire := range fires {
		fire()
	}
}

// Close stops the background sweep. Live leaves are left unfired.
func (r *Region) Close(_ context.Context) error {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.closeWg.Wait()
		r.ticker.Stop()
	})
	return nil
}

// evictOldestLocked removes the least recently touched slot and returns its
// fire capability. Caller holds r.mu and must invoke the result after unlock.
func (r *Region) evictOldestLocked() func() {
	e := r.byAge.Back()
	s := e.Value.(*slot)
	r.byAge.Remove(e)
	delete(r.slots, s.id)
	return s.fire
}

func (r *Region) cleanupLoop() {
	defer r.closeWg.Done()
	for {
		select {
		case <-r.ticker.C:
			r.Cleanup(r.retention)
		case <-r.stopCh:
			return
		}
	}
}
