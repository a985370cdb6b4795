// Package token implements one-shot change signals used to expire cache
// entries. A token starts unfired and transitions to fired exactly once;
// it never returns to the unfired state.
//
// Leaves are created with NewLeaf, which also returns the private fire
// capability. Only the owner of that capability (a region, a watcher) can
// fire the token; subscribers only observe.
package token

import "sync"

// Token is an observable one-shot "has this changed" signal.
// Implementations must be safe for concurrent use.
type Token interface {
	// HasFired reports whether the token has fired. Non-blocking, no side effects.
	HasFired() bool

	// OnFire registers fn to run once when the token fires. If the token has
	// already fired, fn runs synchronously before OnFire returns. Callbacks
	// must be cheap and must not block: the firing side runs them inline.
	OnFire(fn func())
}

// Source produces change tokens for a single logical signal.
// The global watcher implements it; regions expose the same shape per entity id.
type Source interface {
	CreateChangeToken() Token
}

type leaf struct {
	mu    sync.Mutex
	fired bool
	subs  []func()
}

// NewLeaf returns an unfired token and the capability to fire it.
// Firing an already-fired leaf is a no-op.
func NewLeaf() (Token, func()) {
	l := &leaf{}
	return l, l.fire
}

func (l *leaf) fire() {
	l.mu.Lock()
	if l.fired {
		l.mu.Unlock()
		return
	}
	l.fired = true
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	// run callbacks outside the lock; each registered at most once
	for _, fn := range subs {
		fn()
	}
}

func (l *leaf) HasFired() bool {
	l.mu.Lock()
	fired := l.fired
	l.mu.Unlock()
	return fired
}

func (l *leaf) OnFire(fn func()) {
	l.mu.Lock()
	if l.fired {
		l.mu.Unlock()
		fn()
		return
	}
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

type composite struct {
	children []Token
}

// Compose returns a token that reports fired as soon as any of ts has fired.
// The check short-circuits on the first fired constituent. Compose(nil...)
// returns nil, meaning "no expiration signal"; a single token is returned
// unwrapped.
func Compose(ts ...Token) Token {
	// drop nil constituents so callers can pass optional tokens directly
	kept := make([]Token, 0, len(ts))
	for _, t := range ts {
		if t != nil {
			kept = append(kept, t)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &composite{children: kept}
}

func (c *composite) HasFired() bool {
	for _, t := range c.children {
		if t.HasFired() {
			return true
		}
	}
	return false
}

func (c *composite) OnFire(fn func()) {
	var once sync.Once
	wrapped := func() { once.Do(fn) }
	for _, t := range c.children {
		t.OnFire(wrapped)
	}
}
