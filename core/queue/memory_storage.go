package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStorageStats provides observability metrics for monitoring and debugging
type MemoryStorageStats struct {
	Jobs            int   // Current number of jobs in storage
	ExpiredReclaims int64 // Total number of expired leases taken over by a new claim
}

// MemoryStorage implements Storage for testing and local development.
// All mutations happen under a single mutex, which makes every operation
// atomic per job.
type MemoryStorage struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	// byQueue keeps insertion order per queue; used for listing and pruning.
	byQueue map[string][]string

	now func() time.Time

	expiredReclaims atomic.Int64
}

// MemoryStorageOption configures a MemoryStorage.
type MemoryStorageOption func(*MemoryStorage)

// WithMemoryStorageClock replaces the time source. Intended for tests.
func WithMemoryStorageClock(now func() time.Time) MemoryStorageOption {
	return func(ms *MemoryStorage) {
		if now != nil {
			ms.now = now
		}
	}
}

// NewMemoryStorage creates a new in-memory storage implementation.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	ms := &MemoryStorage{
		jobs:    make(map[string]*Job),
		byQueue: make(map[string][]string),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(ms)
	}

	return ms
}

// CreateJob stores a new job in memory.
func (ms *MemoryStorage) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.jobs[job.ID]; exists {
		return fmt.Errorf("job with id %s already exists", job.ID)
	}

	ms.insert(job)
	return nil
}

// CreateJobIfAbsent inserts the job unless a waiting or active job with the
// same id exists. A finished job with the same id is replaced.
func (ms *MemoryStorage) CreateJobIfAbsent(ctx context.Context, job *Job) (bool, error) {
	if job == nil {
		return false, errors.New("job cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if existing, ok := ms.jobs[job.ID]; ok {
		if !existing.State.Terminal() {
			return false, nil
		}
		ms.remove(existing)
	}

	ms.insert(job)
	return true, nil
}

// ClaimJob atomically claims the next eligible job of the requested queue.
func (ms *MemoryStorage) ClaimJob(ctx context.Context, req ClaimRequest) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	var best *Job

	for _, id := range ms.byQueue[req.Queue] {
		job := ms.jobs[id]

		switch job.State {
		case StateWaiting:
			if job.AvailableAt.After(now) {
				continue
			}
		case StateActive:
			// A lease that ran out belongs to a worker that is gone.
			if job.LockedUntil == nil || job.LockedUntil.After(now) {
				continue
			}
		default:
			continue
		}

		if best == nil || ClaimsBefore(job, best, now, req.AgingInterval) {
			best = job
		}
	}

	if best == nil {
		return nil, ErrNoJobToClaim
	}

	if best.State == StateActive {
		ms.expiredReclaims.Add(1)
	}

	lockedUntil := now.Add(req.LockFor)
	best.State = StateActive
	best.LockedBy = req.WorkerID
	best.LockedUntil = &lockedUntil
	best.LastAttemptAt = &now
	best.Progress = 0

	return best.Clone(), nil
}

// ExtendLock pushes the lease of an active job forward.
func (ms *MemoryStorage) ExtendLock(ctx context.Context, jobID, workerID string, lockFor time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(jobID, workerID)
	if err != nil {
		return err
	}

	lockedUntil := ms.now().Add(lockFor)
	job.LockedUntil = &lockedUntil
	return nil
}

// UpdateProgress raises the progress of an active job.
func (ms *MemoryStorage) UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(jobID, workerID)
	if err != nil {
		return err
	}

	if progress > job.Progress {
		job.Progress = min(progress, 100)
	}
	return nil
}

// CompleteJob marks a job as successfully completed.
func (ms *MemoryStorage) CompleteJob(ctx context.Context, jobID, workerID string, result Result) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(jobID, workerID)
	if err != nil {
		return err
	}

	now := ms.now()
	job.State = StateCompleted
	job.Progress = 100
	job.Result = &result
	job.FinishedAt = &now
	ms.release(job)
	return nil
}

// RetryJob records a failed attempt and returns the job to waiting.
func (ms *MemoryStorage) RetryJob(ctx context.Context, jobID, workerID string, result Result, availableAt time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(jobID, workerID)
	if err != nil {
		return err
	}

	job.Attempts++
	job.State = StateWaiting
	job.Result = &result
	job.AvailableAt = availableAt
	ms.release(job)
	return nil
}

// FailJob records the last failed attempt and moves the job to failed.
func (ms *MemoryStorage) FailJob(ctx context.Context, jobID, workerID string, result Result) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(jobID, workerID)
	if err != nil {
		return err
	}

	now := ms.now()
	job.Attempts++
	job.State = StateFailed
	job.Result = &result
	job.FinishedAt = &now
	ms.release(job)
	return nil
}

// Prune removes the oldest finished jobs in the given state beyond keep.
func (ms *MemoryStorage) Prune(ctx context.Context, queue string, state JobState, keep int) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("cannot prune %s jobs", state)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	finished := ms.finished(queue, state)
	if keep < 0 || len(finished) <= keep {
		return 0, nil
	}

	// finished is newest first
	evict := finished[keep:]
	for _, job := range evict {
		ms.remove(job)
	}
	return len(evict), nil
}

// CountJobs returns the number of jobs per state in one queue.
func (ms *MemoryStorage) CountJobs(ctx context.Context, queue string) (map[JobState]int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	counts := make(map[JobState]int64, len(States))
	for _, s := range States {
		counts[s] = 0
	}
	for _, id := range ms.byQueue[queue] {
		counts[ms.jobs[id].State]++
	}
	return counts, nil
}

// GetJob returns a copy of the job.
func (ms *MemoryStorage) GetJob(ctx context.Context, jobID string) (*Job, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	job, ok := ms.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.Clone(), nil
}

// DeadLetters lists failed jobs of a queue, newest first.
func (ms *MemoryStorage) DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	failed := ms.finished(queue, StateFailed)
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}

	out := make([]*Job, 0, len(failed))
	for _, job := range failed {
		out = append(out, job.Clone())
	}
	return out, nil
}

// Stats returns current memory storage statistics for observability and monitoring.
// This method is thread-safe and can be called at any time.
func (ms *MemoryStorage) Stats() MemoryStorageStats {
	ms.mu.RLock()
	jobs := len(ms.jobs)
	ms.mu.RUnlock()

	return MemoryStorageStats{
		Jobs:            jobs,
		ExpiredReclaims: ms.expiredReclaims.Load(),
	}
}

// Ping always succeeds.
func (ms *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (ms *MemoryStorage) insert(job *Job) {
	stored := job.Clone()
	ms.jobs[stored.ID] = stored
	ms.byQueue[stored.Queue] = append(ms.byQueue[stored.Queue], stored.ID)
}

func (ms *MemoryStorage) remove(job *Job) {
	delete(ms.jobs, job.ID)
	ms.byQueue[job.Queue] = slices.DeleteFunc(ms.byQueue[job.Queue], func(id string) bool {
		return id == job.ID
	})
}

// owned returns the stored job if it is active under workerID.
func (ms *MemoryStorage) owned(jobID, workerID string) (*Job, error) {
	job, ok := ms.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.State != StateActive || job.LockedBy != workerID {
		return nil, fmt.Errorf("%w: job %s", ErrLeaseLost, jobID)
	}
	return job, nil
}

func (ms *MemoryStorage) release(job *Job) {
	job.LockedBy = ""
	job.LockedUntil = nil
}

// finished returns jobs of the queue in a terminal state, newest first.
func (ms *MemoryStorage) finished(queue string, state JobState) []*Job {
	var out []*Job
	for _, id := range ms.byQueue[queue] {
		if job := ms.jobs[id]; job.State == state {
			out = append(out, job)
		}
	}
	slices.SortStableFunc(out, func(a, b *Job) int {
		return finishedAt(b).Compare(finishedAt(a))
	})
	return out
}

func finishedAt(job *Job) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.CreatedAt
}
