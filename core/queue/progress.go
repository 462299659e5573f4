package queue

import (
	"context"
	"sync"
)

type jobContextKey struct{}

// jobContext travels with the handler context for one attempt.
type jobContext struct {
	jobID   string
	queue   string
	attempt int

	mu     sync.Mutex
	last   int
	report func(ctx context.Context, progress int) error
}

func withJobContext(ctx context.Context, jc *jobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

func jobContextFrom(ctx context.Context) (*jobContext, bool) {
	jc, ok := ctx.Value(jobContextKey{}).(*jobContext)
	return jc, ok && jc != nil
}

// JobIDFromContext returns the id of the job a handler is running.
func JobIDFromContext(ctx context.Context) (string, bool) {
	jc, ok := jobContextFrom(ctx)
	if !ok {
		return "", false
	}
	return jc.jobID, true
}

// AttemptFromContext returns the 1-based attempt number of the running job.
func AttemptFromContext(ctx context.Context) (int, bool) {
	jc, ok := jobContextFrom(ctx)
	if !ok {
		return 0, false
	}
	return jc.attempt, true
}

// ReportProgress records the completion percentage of the running job.
// Values are clamped to 0..100; a value lower than the last reported one is
// ignored so progress never goes backwards within an attempt.
func ReportProgress(ctx context.Context, progress int) error {
	jc, ok := jobContextFrom(ctx)
	if !ok {
		return ErrNoJobContext
	}

	progress = max(0, min(progress, 100))

	jc.mu.Lock()
	defer jc.mu.Unlock()

	if progress <= jc.last {
		return nil
	}
	if err := jc.report(ctx, progress); err != nil {
		return err
	}
	jc.last = progress
	return nil
}
