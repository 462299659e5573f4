package ratelimiter

import (
	"context"
	"fmt"
	"time"
)

// State is a bucket after a take attempt.
type State struct {
	Allowed    bool
	Tokens     int
	LastRefill time.Time
}

// Store keeps token buckets. Take credits elapsed refills, then consumes n
// tokens only when that many are available.
type Store interface {
	Take(ctx context.Context, key string, n int, cfg Config, now time.Time) (State, error)
	Reset(ctx context.Context, key string) error
}

// Result is the outcome of Allow.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	now       time.Time
}

// RetryAfter is how long a denied caller should wait. Zero when allowed.
func (r Result) RetryAfter() time.Duration {
	if r.Allowed || !r.ResetAt.After(r.now) {
		return 0
	}
	return r.ResetAt.Sub(r.now)
}

// Limiter applies one Config to many keys.
type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter over store.
func New(store Store, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow consumes one token for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN consumes n tokens for key. A denied call consumes nothing.
func (l *Limiter) AllowN(ctx context.Context, key string, n int) (Result, error) {
	if n <= 0 || n > l.cfg.Capacity {
		return Result{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidTokenCount, n, l.cfg.Capacity)
	}

	now := l.now()
	st, err := l.store.Take(ctx, key, n, l.cfg, now)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return Result{
		Allowed:   st.Allowed,
		Limit:     l.cfg.Capacity,
		Remaining: max(st.Tokens, 0),
		ResetAt:   l.cfg.availableAt(st, n),
		now:       now,
	}, nil
}

// Reset drops the bucket for key so the next call starts full.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// availableAt is the next refill mark for an allowed take, or the mark at
// which n tokens are back for a denied one.
func (c Config) availableAt(st State, n int) time.Time {
	if st.Allowed {
		return st.LastRefill.Add(c.RefillInterval)
	}
	need := n - st.Tokens
	intervals := (need + c.RefillRate - 1) / c.RefillRate
	return st.LastRefill.Add(time.Duration(intervals) * c.RefillInterval)
}
