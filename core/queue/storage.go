package queue

import (
	"context"
	"time"
)

// EnqueuerRepository defines the interface for job creation.
type EnqueuerRepository interface {
	// CreateJob stores a new waiting job. Fails if the id already exists.
	CreateJob(ctx context.Context, job *Job) error
}

// WorkerRepository defines the mutations a worker pool performs.
// Every method must be atomic per job, and every method taking a workerID must
// fail with ErrLeaseLost when the job is no longer active under that worker.
type WorkerRepository interface {
	// ClaimJob atomically moves the next eligible job of req.Queue to active,
	// leased to req.WorkerID until now+req.LockFor. Waiting jobs whose
	// AvailableAt has passed and active jobs whose lease expired are
	// eligible. Returns ErrNoJobToClaim when nothing is eligible.
	ClaimJob(ctx context.Context, req ClaimRequest) (*Job, error)

	// ExtendLock pushes the lease of an active job forward.
	ExtendLock(ctx context.Context, jobID, workerID string, lockFor time.Duration) error

	// UpdateProgress raises the progress of an active job. Lower values are ignored.
	UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error

	// CompleteJob marks the job completed with the given result and progress 100.
	CompleteJob(ctx context.Context, jobID, workerID string, result Result) error

	// RetryJob increments attempts and returns the job to waiting,
	// eligible again at availableAt.
	RetryJob(ctx context.Context, jobID, workerID string, result Result, availableAt time.Time) error

	// FailJob increments attempts and moves the job to the terminal failed state.
	FailJob(ctx context.Context, jobID, workerID string, result Result) error

	// Prune evicts the oldest finished jobs of a queue beyond keep.
	// Returns how many were removed.
	Prune(ctx context.Context, queue string, state JobState, keep int) (int, error)
}

// SchedulerRepository defines the operations of the recurring scheduler.
type SchedulerRepository interface {
	// CreateJobIfAbsent inserts job unless a job with the same id is waiting
	// or active. A finished job with the same id is replaced. The existence
	// check and the insert are one atomic step.
	CreateJobIfAbsent(ctx context.Context, job *Job) (created bool, err error)
}

// InspectorRepository provides read access for statistics and operators.
type InspectorRepository interface {
	// CountJobs returns the number of jobs per state in one queue.
	CountJobs(ctx context.Context, queue string) (map[JobState]int64, error)

	// GetJob returns a job by id or ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// DeadLetters lists terminal-failed jobs of a queue, newest first.
	DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error)
}

// Storage is a unified interface that combines all repository interfaces
// required by the queue service.
type Storage interface {
	EnqueuerRepository
	WorkerRepository
	SchedulerRepository
	InspectorRepository
}

// Initializer is implemented by stores that prepare schema or indexes
// before the service starts.
type Initializer interface {
	Init(ctx context.Context) error
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
