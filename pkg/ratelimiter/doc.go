// Package ratelimiter implements per-key token buckets.
//
// A Limiter applies one Config to any number of keys. Each key starts with
// Capacity tokens and is credited RefillRate tokens every RefillInterval,
// never above Capacity. A call that asks for more tokens than the bucket
// holds is denied and consumes nothing.
//
// Buckets live in a Store. MemoryStore keeps them in process and drops idle
// buckets from a cleanup loop:
//
//	store := ratelimiter.NewMemoryStore()
//	limiter, err := ratelimiter.New(store, ratelimiter.Config{
//		Capacity:       30,
//		RefillRate:     1,
//		RefillInterval: 2 * time.Second,
//	})
//	if err != nil {
//		return err
//	}
//	g.Go(store.Run(ctx))
//
//	res, err := limiter.Allow(ctx, "tenant-42:ai-analysis")
//	if err == nil && !res.Allowed {
//		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter().Seconds())))
//	}
//
// RedisStore keeps buckets in Redis behind a Lua script, so replicas share
// one budget per key.
package ratelimiter
