// Package cache holds compiled validators in two tiers.
//
// The fast tier is an in-memory, sharded LRU bounded by entry count and
// estimated bytes, with an optional TTL. The slow tier is any Tier
// implementation, typically the SQLite store, reached through a guard
// manager so that an unhealthy store trips a circuit breaker and the cache
// degrades to the fast tier.
//
// GetOrCompile coalesces concurrent misses for a key into one compilation
// and never caches a failure:
//
//	key := cache.NewKey(schema.ID, hash, "Person", compiler.DefaultOptions)
//	v, err := c.GetOrCompile(ctx, key, func(ctx context.Context, k cache.Key) (*compiler.Validator, error) {
//		return compiler.Compile(resolved, compiler.DefaultOptions)
//	})
//
// Acquire returns a pinned Handle; pinned entries are never evicted until
// released.
package cache
