package token

import "sync"

var _ Source = (*Watcher)(nil)

// Watcher is a process-wide coarse change source: "some unspecified upstream
// change occurred". Entries that cannot be tracked through a finer-grained
// region register the watcher's token as a catch-all dependency.
//
// Signal fires the current epoch token and installs a fresh one, so tokens
// created after a Signal are unaffected by it.
type Watcher struct {
	mu   sync.Mutex
	cur  Token
	fire func()
}

func NewWatcher() *Watcher {
	w := &Watcher{}
	w.cur, w.fire = NewLeaf()
	return w
}

// CreateChangeToken returns the current epoch token. All callers during the
// same epoch receive the same token instance.
func (w *Watcher) CreateChangeToken() Token {
	w.mu.Lock()
	t := w.cur
	w.mu.Unlock()
	return t
}

// Signal fires the current token and starts a new epoch.
// Safe to call concurrently with CreateChangeToken.
func (w *Watcher) Signal() {
	w.mu.Lock()
	fire := w.fire
	w.cur, w.fire = NewLeaf()
	w.mu.Unlock()

	// fire outside the lock: subscriber callbacks must not block epoch rollover
	fire()
}
