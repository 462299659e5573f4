package queue

import (
	"fmt"
	"time"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// MaxBackoffDelay caps exponential growth. A base above the cap is
// returned unchanged.
const MaxBackoffDelay = 24 * time.Hour

// Backoff computes the delay before a failed job becomes eligible again.
type Backoff struct {
	Kind  BackoffKind   `json:"kind" bson:"kind"`
	Delay time.Duration `json:"delay" bson:"delay"`
}

// FixedBackoff waits the same delay before every retry.
func FixedBackoff(delay time.Duration) Backoff {
	return Backoff{Kind: BackoffFixed, Delay: delay}
}

// ExponentialBackoff waits base * 2^(attempt-1) before retry number attempt.
func ExponentialBackoff(base time.Duration) Backoff {
	return Backoff{Kind: BackoffExponential, Delay: base}
}

// Validate rejects unknown kinds and negative delays.
func (b Backoff) Validate() error {
	switch b.Kind {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff kind %q", b.Kind)
	}
	if b.Delay < 0 {
		return fmt.Errorf("backoff delay must not be negative, got %s", b.Delay)
	}
	return nil
}

// Next returns the delay for the given failed attempt number (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Kind != BackoffExponential {
		return b.Delay
	}

	if b.Delay <= 0 {
		return 0
	}
	if b.Delay >= MaxBackoffDelay {
		return b.Delay
	}
	shift := attempt - 1
	if shift >= 63 || b.Delay > MaxBackoffDelay>>shift {
		return MaxBackoffDelay
	}
	return b.Delay << shift
}

func (b Backoff) String() string {
	return fmt.Sprintf("%s(%s)", b.Kind, b.Delay)
}
