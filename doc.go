// Package tokencache implements a dependency-invalidated, single-flight
// memoization cache. Values are keyed by composite fingerprints (key.With)
// and expire when any change token registered at creation time fires;
// regions group per-entity tokens so one upstream change ("member 42 was
// updated") invalidates every entry that depends on it.
//
// Components:
//   - Provider: byte store with cost + TTL (e.g. Ristretto, BigCache).
//   - Codec[V]: (de)serializes V <-> []byte.
//   - token.Token: one-shot change signal; token.Watcher is the coarse
//     process-wide source, region.Region the per-entity source.
//
// Read-through pattern:
//
//	k := key.With("MemberService", "MemberByID", id)
//	v, err := cache.GetOrCreate(ctx, k, func(ctx context.Context, e *tokencache.Entry) (*Member, error) {
//	    m, err := backend.FetchMember(ctx, id)
//	    if err != nil { return nil, err }
//	    e.AddExpirationToken(members.CreateChangeToken(id))
//	    e.AddExpirationToken(watcher.CreateChangeToken())
//	    return m, nil
//	})
//
// Writes never go through the cache: call the backend, then Region.Expire
// for every affected entity id. A read racing such a write may serve the
// pre-write value once; its token check drops it on the next access.
package tokencache
