package tokencache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/unkn0wn-root/tokencache/codec"
	"github.com/unkn0wn-root/tokencache/key"
	pr "github.com/unkn0wn-root/tokencache/provider"
	"github.com/unkn0wn-root/tokencache/region"
	"github.com/unkn0wn-root/tokencache/token"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu sync.Mutex
	m  map[string]memEntry

	rejectSets bool
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectSets {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// evict drops the stored bytes directly, simulating provider capacity eviction
// behind the cache's back.
func (p *memProvider) evict(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newTestCache(t *testing.T, ns string, mp pr.Provider, optsOpt func(*Options[user])) Cache[user] {
	t.Helper()
	opts := Options[user]{
		Namespace: ns,
		Provider:  mp,
		Codec:     c.JSONCodec[user]{},
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := New[user](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cc
}

func staticFactory(v user) FactoryFn[user] {
	return func(_ context.Context, _ *Entry) (user, error) { return v, nil }
}

// ==============================
// GetOrCreate basics
// ==============================

// TestMissThenHit verifies the read-through flow: first access runs the
// factory and commits; the second is a hit and the factory does not rerun.
func TestMissThenHit(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := key.With("user", "by-id", "1")
	want := user{ID: "1", Name: "Ada"}

	var calls atomic.Int32
	factory := func(_ context.Context, _ *Entry) (user, error) {
		calls.Add(1)
		return want, nil
	}

	if got, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("Get miss expected, got ok=%v err=%v val=%v", ok, err, got)
	}

	got, err := cc.GetOrCreate(ctx, k, factory)
	if err != nil || got != want {
		t.Fatalf("GetOrCreate: got=%v err=%v", got, err)
	}
	got, err = cc.GetOrCreate(ctx, k, factory)
	if err != nil || got != want {
		t.Fatalf("GetOrCreate hit: got=%v err=%v", got, err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("factory calls: want 1, got %d", n)
	}

	// probe sees the committed entry too
	if got, ok, err := cc.Get(ctx, k); err != nil || !ok || got != want {
		t.Fatalf("Get after commit: ok=%v err=%v got=%v", ok, err, got)
	}
}

// TestSingleFlight starts many concurrent callers for one key against a slow
// factory and checks the factory ran exactly once and everyone got the value.
func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := key.With("user", "by-id", "42")
	want := user{ID: "42", Name: "Grace"}

	var calls atomic.Int32
	factory := func(_ context.Context, _ *Entry) (user, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return want, nil
	}

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	vals := make([]user, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vals[i], errs[i] = cc.GetOrCreate(ctx, k, factory)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil || vals[i] != want {
			t.Fatalf("caller %d: got=%v err=%v", i, vals[i], errs[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("factory calls: want 1, got %d", got)
	}
}

// TestDistinctKeysDoNotBlock checks that a slow flight on one key does not
// serialize callers for a different key.
func TestDistinctKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = cc.GetOrCreate(ctx, key.With("user", "by-id", "slow"), func(_ context.Context, _ *Entry) (user, error) {
			close(slowStarted)
			<-release
			return user{ID: "slow"}, nil
		})
	}()
	<-slowStarted

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := cc.GetOrCreate(ctx, key.With("user", "by-id", "fast"), staticFactory(user{ID: "fast"}))
		if err != nil || got.ID != "fast" {
			t.Errorf("fast key: got=%v err=%v", got, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast key blocked behind unrelated flight")
	}
	close(release)
}

// TestFactoryErrorNotCached verifies error propagation without negative
// caching: after a failed factory the next access retries.
func TestFactoryErrorNotCached(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := key.With("user", "by-id", "9")
	boom := errors.New("backend down")

	var calls atomic.Int32
	fail := func(_ context.Context, _ *Entry) (user, error) {
		calls.Add(1)
		return user{}, boom
	}

	if _, err := cc.GetOrCreate(ctx, k, fail); !errors.Is(err, boom) {
		t.Fatalf("want factory error, got %v", err)
	}
	if mp.len() != 0 {
		t.Fatalf("failed factory must not store anything")
	}

	// retry reaches the factory again
	want := user{ID: "9", Name: "ok"}
	got, err := cc.GetOrCreate(ctx, k, staticFactory(want))
	if err != nil || got != want {
		t.Fatalf("retry: got=%v err=%v", got, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("fail factory calls: want 1, got %d", calls.Load())
	}
}

// TestZeroValueCached confirms a zero value is a legitimate cacheable result,
// distinct from a miss.
func TestZeroValueCached(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := key.With("user", "by-id", "ghost")

	var calls atomic.Int32
	factory := func(_ context.Context, _ *Entry) (user, error) {
		calls.Add(1)
		return user{}, nil
	}

	if got, err := cc.GetOrCreate(ctx, k, factory); err != nil || got != (user{}) {
		t.Fatalf("GetOrCreate: got=%v err=%v", got, err)
	}
	if _, err := cc.GetOrCreate(ctx, k, factory); err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("zero value not cached: %d factory calls", calls.Load())
	}
	if _, ok, _ := cc.Get(ctx, k); !ok {
		t.Fatal("zero value must be a hit, not a miss")
	}
}

// TestInvalidKey checks that malformed keys are rejected before the factory runs.
func TestInvalidKey(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	var bad key.Key // zero value: no scope/operation
	ran := false
	_, err := cc.GetOrCreate(ctx, bad, func(_ context.Context, _ *Entry) (user, error) {
		ran = true
		return user{}, nil
	})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("want ErrInvalidKey, got %v", err)
	}
	if ran {
		t.Fatal("factory must not run for an invalid key")
	}
	if _, _, err := cc.Get(ctx, bad); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Get: want ErrInvalidKey, got %v", err)
	}
	if err := cc.Remove(ctx, bad); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Remove: want ErrInvalidKey, got %v", err)
	}
}

// ==============================
// Token invalidation
// ==============================

// TestRegionTokenInvalidation wires an entry to a region token and verifies
// Expire removes it while unrelated ids stay cached.
func TestRegionTokenInvalidation(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "contact", mp, nil)
	defer cc.Close(ctx)

	reg := region.New("contacts", region.Options{})
	defer reg.Close(ctx)

	load := func(id, name string) FactoryFn[user] {
		return func(_ context.Context, e *Entry) (user, error) {
			e.AddExpirationToken(reg.CreateChangeToken(id))
			return user{ID: id, Name: name}, nil
		}
	}

	k123 := key.With("contact", "by-id", "123")
	k456 := key.With("contact", "by-id", "456")

	if _, err := cc.GetOrCreate(ctx, k123, load("123", "Ada")); err != nil {
		t.Fatalf("populate 123: %v", err)
	}
	if _, err := cc.GetOrCreate(ctx, k456, load("456", "Grace")); err != nil {
		t.Fatalf("populate 456: %v", err)
	}

	reg.Expire("123")

	if _, ok, _ := cc.Get(ctx, k123); ok {
		t.Fatal("123 must be invalidated after Expire")
	}
	if got, ok, _ := cc.Get(ctx, k456); !ok || got.ID != "456" {
		t.Fatal("456 must survive an unrelated Expire")
	}

	// repopulation after expiry re-runs the factory and caches a fresh entry
	got, err := cc.GetOrCreate(ctx, k123, load("123", "Ada v2"))
	if err != nil || got.Name != "Ada v2" {
		t.Fatalf("repopulate: got=%v err=%v", got, err)
	}
	if got, ok, _ := cc.Get(ctx, k123); !ok || got.Name != "Ada v2" {
		t.Fatalf("fresh entry must be cached: ok=%v got=%v", ok, got)
	}
}

// TestExpireBeforeCommitWins pins the epoch rule: a token obtained before an
// Expire is already fired when the entry commits, so the stale value is never
// served.
func TestExpireBeforeCommitWins(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "contact", mp, nil)
	defer cc.Close(ctx)

	reg := region.New("contacts", region.Options{})
	defer reg.Close(ctx)

	k := key.With("contact", "by-id", "7")
	tok := reg.CreateChangeToken("7") // factory snapshots the epoch first
	reg.Expire("7")                   // write lands while the "read" is in flight

	_, err := cc.GetOrCreate(ctx, k, func(_ context.Context, e *Entry) (user, error) {
		e.AddExpirationToken(tok)
		return user{ID: "7", Name: "stale"}, nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, ok, _ := cc.Get(ctx, k); ok {
		t.Fatal("entry committed with a fired token must not be served")
	}
}

// TestWatcherToken checks the coarse watcher source: Signal invalidates every
// entry registered against the current epoch.
func TestWatcherToken(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	w := token.NewWatcher()
	k := key.With("user", "all", nil)

	_, err := cc.GetOrCreate(ctx, k, func(_ context.Context, e *Entry) (user, error) {
		e.AddExpirationToken(w.CreateChangeToken())
		return user{ID: "all"}, nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	w.Signal()
	if _, ok, _ := cc.Get(ctx, k); ok {
		t.Fatal("watcher Signal must invalidate the entry")
	}
}

// ==============================
// Entry controls and lifecycle
// ==============================

// TestSkipStore verifies SkipStore serves the value without committing it.
func TestSkipStore(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := key.With("user", "by-id", "tmp")
	got, err := cc.GetOrCreate(ctx, k, func(_ context.Context, e *Entry) (user, error) {
		e.SkipStore()
		return user{ID: "tmp"}, nil
	})
	if err != nil || got.ID != "tmp" {
		t.Fatalf("GetOrCreate: got=%v err=%v", got, err)
	}
	if mp.len() != 0 {
		t.Fatal("SkipStore must not write to the provider")
	}
	if _, ok, _ := cc.Get(ctx, k); ok {
		t.Fatal("SkipStore entry must not be a hit")
	}
}

// TestRemove drops a committed entry.
func TestRemove(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := key.With("user", "by-id", "5")
	if _, err := cc.GetOrCreate(ctx, k, staticFactory(user{ID: "5"})); err != nil {
		t.Fatalf("populate: %v", err)
	}
	if err := cc.Remove(ctx, k); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, k); ok {
		t.Fatal("removed entry must be a miss")
	}
	if mp.len() != 0 {
		t.Fatal("Remove must delete the provider bytes")
	}
}

// TestProviderEvictionIsMiss simulates the provider dropping bytes under
// pressure; the next read is a plain miss and repopulates.
func TestProviderEvictionIsMiss(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := key.With("user", "by-id", "3")
	if _, err := cc.GetOrCreate(ctx, k, staticFactory(user{ID: "3", Name: "v1"})); err != nil {
		t.Fatalf("populate: %v", err)
	}

	impl := cc.(*cache[user])
	mp.evict(impl.storageKey(k))

	if _, ok, err := cc.Get(ctx, k); ok || err != nil {
		t.Fatalf("evicted entry must be a miss: ok=%v err=%v", ok, err)
	}

	got, err := cc.GetOrCreate(ctx, k, staticFactory(user{ID: "3", Name: "v2"}))
	if err != nil || got.Name != "v2" {
		t.Fatalf("repopulate after eviction: got=%v err=%v", got, err)
	}
}

// TestProviderSetRejected: a rejected Set serves the value but leaves no
// metadata behind, so the next access recomputes.
func TestProviderSetRejected(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	mp.rejectSets = true
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := key.With("user", "by-id", "r")
	var calls atomic.Int32
	factory := func(_ context.Context, _ *Entry) (user, error) {
		calls.Add(1)
		return user{ID: "r"}, nil
	}

	if got, err := cc.GetOrCreate(ctx, k, factory); err != nil || got.ID != "r" {
		t.Fatalf("GetOrCreate: got=%v err=%v", got, err)
	}
	if _, ok, _ := cc.Get(ctx, k); ok {
		t.Fatal("rejected Set must not leave a readable entry")
	}
	if _, err := cc.GetOrCreate(ctx, k, factory); err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("want recompute after rejected Set, got %d calls", calls.Load())
	}
}

// TestCanceledWaiterAbandonsFlight: a waiter whose context is done returns
// ctx.Err() while the flight completes for the rest.
func TestCanceledWaiterAbandonsFlight(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := key.With("user", "by-id", "slowpoke")
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := cc.GetOrCreate(ctx, k, func(_ context.Context, _ *Entry) (user, error) {
			close(started)
			<-release
			return user{ID: "slowpoke"}, nil
		})
		done <- err
	}()
	<-started

	wctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := cc.GetOrCreate(wctx, k, staticFactory(user{}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled waiter: want context.Canceled, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("original flight: %v", err)
	}
	if got, ok, _ := cc.Get(ctx, k); !ok || got.ID != "slowpoke" {
		t.Fatal("flight must commit despite the abandoned waiter")
	}
}

// ==============================
// Disabled mode and construction
// ==============================

// TestDisabledPassThrough: Disabled caches run the factory every time and
// never touch the provider.
func TestDisabledPassThrough(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, func(o *Options[user]) { o.Disabled = true })
	defer cc.Close(ctx)

	if cc.Enabled() {
		t.Fatal("Enabled must report false")
	}

	k := key.With("user", "by-id", "d")
	var calls atomic.Int32
	factory := func(_ context.Context, _ *Entry) (user, error) {
		calls.Add(1)
		return user{ID: "d"}, nil
	}

	for i := 0; i < 3; i++ {
		if got, err := cc.GetOrCreate(ctx, k, factory); err != nil || got.ID != "d" {
			t.Fatalf("GetOrCreate: got=%v err=%v", got, err)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("disabled cache must call the factory every time, got %d", calls.Load())
	}
	if mp.len() != 0 {
		t.Fatal("disabled cache must not write to the provider")
	}
	if _, ok, err := cc.Get(ctx, k); ok || err != nil {
		t.Fatalf("disabled Get must miss cleanly: ok=%v err=%v", ok, err)
	}
}

func TestClosedCacheRejectsOperations(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	if err := cc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	k := key.With("user", "by-id", "1")
	if _, err := cc.GetOrCreate(ctx, k, staticFactory(user{})); !errors.Is(err, ErrClosed) {
		t.Fatalf("GetOrCreate: want ErrClosed, got %v", err)
	}
	if _, _, err := cc.Get(ctx, k); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get: want ErrClosed, got %v", err)
	}
	if err := cc.Remove(ctx, k); !errors.Is(err, ErrClosed) {
		t.Fatalf("Remove: want ErrClosed, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	mp := newMemProvider()
	cases := []struct {
		name string
		opts Options[user]
	}{
		{"no provider", Options[user]{Namespace: "x", Codec: c.JSONCodec[user]{}}},
		{"no codec", Options[user]{Namespace: "x", Provider: mp}},
		{"no namespace", Options[user]{Provider: mp, Codec: c.JSONCodec[user]{}}},
	}
	for _, tc := range cases {
		if _, err := New[user](tc.opts); err == nil {
			t.Errorf("%s: want error", tc.name)
		}
	}
}

// ==============================
// Sweep
// ==============================

// TestSweepDropsFiredEntries verifies the background path directly: entries
// whose tokens fired are removed from the provider without being read.
func TestSweepDropsFiredEntries(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "contact", mp, nil)
	defer cc.Close(ctx)

	reg := region.New("contacts", region.Options{})
	defer reg.Close(ctx)

	k := key.With("contact", "by-id", "s")
	_, err := cc.GetOrCreate(ctx, k, func(_ context.Context, e *Entry) (user, error) {
		e.AddExpirationToken(reg.CreateChangeToken("s"))
		return user{ID: "s"}, nil
	})
	if err != nil {
		t.Fatalf("populate: %v", err)
	}

	reg.Expire("s")

	impl := cc.(*cache[user])
	impl.sweepFired(ctx)
	if mp.len() != 0 {
		t.Fatal("sweep must delete fired entries from the provider")
	}
}
