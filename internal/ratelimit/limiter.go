package ratelimit

// Limiter is the hot-path quota gate layered over the persisted Store.
// It is intentionally a thin facade: Store already holds the counters in
// memory and only touches disk on Run's periodic/final flush, so the
// layering is structural (two responsibilities, one shared map) rather
// than two separate data structures.
type Limiter struct {
	*Store
}

// NewLimiter wraps an existing Store as a Limiter.
func NewLimiter(store *Store) *Limiter {
	return &Limiter{Store: store}
}
