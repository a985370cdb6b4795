// Package key builds deterministic, collision-resistant cache keys from a
// scope (owning type/namespace), an operation name, and an ordered tuple of
// identifying parts.
//
// Keys are order-sensitive by design: With("S","Op","a","b") differs from
// With("S","Op","b","a"). Callers whose operation is order-independent
// (e.g. batched-by-id lookups) must sort collection parts before building
// the key; sorting is deliberately not done here so real ordering
// dependencies are never masked.
package key

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Key is a fingerprint of (scope, operation, parts). Two keys are equal iff
// scope, operation, and the exact ordered stringified parts are equal.
// Construct with With; the zero value is invalid.
type Key struct {
	scope string
	op    string
	parts []string
}

// With builds a Key. Parts are stringified deterministically; construction is
// a pure function of its inputs and never fails, but keys with a blank scope
// or operation are invalid and rejected by the cache before any lock is taken.
func With(scope, operation string, parts ...any) Key {
	k := Key{scope: scope, op: operation}
	if len(parts) > 0 {
		k.parts = make([]string, len(parts))
		for i, p := range parts {
			k.parts[i] = stringify(p)
		}
	}
	return k
}

// Valid reports whether the key carries a scope and an operation.
func (k Key) Valid() bool { return k.scope != "" && k.op != "" }

// Scope returns the owning namespace the key was built with.
func (k Key) Scope() string { return k.scope }

// Operation returns the logical method name the key was built with.
func (k Key) Operation() string { return k.op }

// String returns "scope:operation:<digest>", where the digest is a sha256
// over length-prefixed records of scope, operation, and each part. Length
// prefixing makes the fingerprint unambiguous: ("ab","c") never collides
// with ("a","bc").
func (k Key) String() string {
	h := sha256.New()
	var lp [4]byte
	write := func(s string) {
		binary.BigEndian.PutUint32(lp[:], uint32(len(s)))
		h.Write(lp[:])
		h.Write([]byte(s))
	}
	write(k.scope)
	write(k.op)
	for _, p := range k.parts {
		write(p)
	}
	sum := h.Sum(nil)
	return k.scope + ":" + k.op + ":" + hex.EncodeToString(sum[:8])
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
