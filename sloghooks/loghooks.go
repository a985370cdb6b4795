package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/tokencache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	InvalidatedEvery uint64
	GetErrorEvery    uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	invalidatedCtr atomic.Uint64
	getErrCtr      atomic.Uint64
}

var _ tokencache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) EntryInvalidated(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.InvalidatedEvery, &h.invalidatedCtr) {
		return
	}
	h.l.Debug("tokencache.entry_invalidated",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("tokencache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) ProviderGetError(storageKey string, err error) {
	if h.l == nil || !sample(h.opts.GetErrorEvery, &h.getErrCtr) {
		return
	}
	h.l.Warn("tokencache.provider_get_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) FactoryError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("tokencache.factory_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) EncodeError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("tokencache.encode_error",
		"key", h.redact(storageKey),
		"err", err)
}
