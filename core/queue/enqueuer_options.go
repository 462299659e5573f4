package queue

import "time"

// EnqueuerOption is a functional option for configuring an Enqueuer
type EnqueuerOption func(*enqueuerOptions)

type enqueuerOptions struct {
	commitDelay time.Duration
	notify      func(queue string, availableAt time.Time)
}

// WithCommitDelay sets the initial delay applied to non-urgent jobs so the
// producer's transaction can commit before a worker reads related data.
func WithCommitDelay(d time.Duration) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if d >= 0 {
			o.commitDelay = d
		}
	}
}

// WithEnqueueNotifier registers a callback invoked after every stored job,
// typically to wake the queue's pool.
func WithEnqueueNotifier(fn func(queue string, availableAt time.Time)) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if fn != nil {
			o.notify = fn
		}
	}
}

// EnqueueOption is a functional option for a single enqueue call
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority    Priority
	delay       *time.Duration
	maxAttempts int
	backoff     *Backoff
}

// WithPriority sets the priority label. Unknown labels fail validation.
func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = p
	}
}

// WithDelay replaces the priority-derived initial delay.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = &d
	}
}

// WithAttempts overrides the queue's default max attempts.
func WithAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}

// WithBackoff overrides the queue's default backoff policy.
func WithBackoff(b Backoff) EnqueueOption {
	return func(o *enqueueOptions) {
		o.backoff = &b
	}
}
