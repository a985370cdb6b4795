// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/tokencache"
//	"github.com/unkn0wn-root/tokencache/codec"
//	asynchook "github.com/unkn0wn-root/tokencache/hooks/async"
//	"github.com/unkn0wn-root/tokencache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    InvalidatedEvery: 10, // sample logs: ~every 10th invalidation
//	    GetErrorEvery:    1,  // log every provider read error
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := tokencache.New[User](tokencache.Options[User]{
//	    Namespace: "app:prod:user",
//	    Provider:  provider,
//	    Codec:     codec.JSONCodec[User]{},
//	    Hooks:     hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/tokencache"
)

type Hooks struct {
	inner tokencache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ tokencache.Hooks = (*Hooks)(nil)

func New(inner tokencache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) EntryInvalidated(k, r string) { h.try(func() { h.inner.EntryInvalidated(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) ProviderGetError(k string, err error) {
	h.try(func() { h.inner.ProviderGetError(k, err) })
}
func (h *Hooks) FactoryError(k string, err error) {
	h.try(func() { h.inner.FactoryError(k, err) })
}
func (h *Hooks) EncodeError(k string, err error) {
	h.try(func() { h.inner.EncodeError(k, err) })
}
