package tokencache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// An entry was dropped on read or by the background sweep.
	// reason ∈ {"token_fired", "corrupt", "stamp_mismatch", "value_decode"}
	EntryInvalidated(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction);
	// the computed value was served to callers but not cached.
	ProviderSetRejected(storageKey string)

	// Provider read error; treated as a miss.
	ProviderGetError(storageKey string, err error)

	// Factory failed; the error was propagated to every waiter, nothing cached.
	FactoryError(storageKey string, err error)

	// Value could not be encoded; served uncached.
	EncodeError(storageKey string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) EntryInvalidated(string, string) {}
func (NopHooks) ProviderSetRejected(string)      {}
func (NopHooks) ProviderGetError(string, error)  {}
func (NopHooks) FactoryError(string, error)      {}
func (NopHooks) EncodeError(string, error)       {}
