package queue

import (
	"log/slog"
	"time"
)

// PoolOption is a functional option for configuring a worker pool
type PoolOption func(*poolOptions)

type poolOptions struct {
	pollInterval  time.Duration
	lockTimeout   time.Duration
	drainTimeout  time.Duration
	agingInterval time.Duration
	concurrency   int
	publisher     Publisher
	logger        *slog.Logger
}

// WithPollInterval sets how often an idle pool looks for eligible jobs.
// Enqueue wakeups cut the wait short.
func WithPollInterval(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLockTimeout sets the lease length of a claimed job. The lease is
// extended at half this interval while the handler runs.
func WithLockTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long Stop waits for in-flight handlers.
func WithDrainTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithAgingInterval sets the starvation guard: a waiting job gains one
// weight step per interval. Zero disables aging.
func WithAgingInterval(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d >= 0 {
			o.agingInterval = d
		}
	}
}

// WithConcurrency overrides the queue's configured concurrency.
func WithConcurrency(n int) PoolOption {
	return func(o *poolOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithPublisher sets the sink for JobCompleted and JobFailed events.
func WithPublisher(p Publisher) PoolOption {
	return func(o *poolOptions) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(o *poolOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
