package ratelimiter

import (
	"fmt"
	"time"
)

// Config describes one token bucket. Every key gets its own bucket of
// Capacity tokens, refilled by RefillRate tokens every RefillInterval.
type Config struct {
	Enabled        bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	Capacity       int           `env:"RATE_LIMIT_CAPACITY" envDefault:"30"`
	RefillRate     int           `env:"RATE_LIMIT_REFILL_RATE" envDefault:"1"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"2s"`
}

// Validate reports whether the bucket parameters are usable.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %s", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}

// refill returns the token count and refill mark after the intervals
// elapsed since last have been credited. Credit is capped at capacity.
func (c Config) refill(tokens int, last, now time.Time) (int, time.Time) {
	if now.Before(last) {
		return tokens, last
	}
	// Cap intervals so tokens+n*rate cannot overflow for long idle keys.
	maxIntervals := int64(c.Capacity/c.RefillRate + 1)
	n := min(int64(now.Sub(last)/c.RefillInterval), maxIntervals)
	if n <= 0 {
		return tokens, last
	}
	tokens = min(tokens+int(n)*c.RefillRate, c.Capacity)
	if tokens == c.Capacity {
		return tokens, now
	}
	return tokens, last.Add(time.Duration(n) * c.RefillInterval)
}
