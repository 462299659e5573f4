package pgqueue

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/pharmaq/core/queue"
	"github.com/dmitrymomot/pharmaq/integration/database/pg"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// DefaultMigrationsTable records applied store migrations.
const DefaultMigrationsTable = "pharmaq_queue_migrations"

var (
	ErrPoolNil    = errors.New("postgres pool cannot be nil")
	ErrJobExists  = errors.New("job already exists")
	ErrCorruptJob = errors.New("stored job is corrupted")
)

// Stats reports store-level counters.
type Stats struct {
	ExpiredReclaims int64
}

// Store is a queue.Storage backed by one PostgreSQL table.
//
// Claims lock the best candidate with FOR UPDATE SKIP LOCKED, so concurrent
// workers never block on each other's rows. Every other mutation is one
// UPDATE filtered on lease ownership. Operations join a transaction carried
// by the context (see pg.WithTx), which lets producers enqueue atomically
// with their own writes.
type Store struct {
	pool            *pgxpool.Pool
	now             func() time.Time
	logger          *slog.Logger
	migrationsTable string

	expiredReclaims atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used for claims and transitions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used while migrating.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMigrationsTable replaces DefaultMigrationsTable.
func WithMigrationsTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.migrationsTable = name
		}
	}
}

// New creates a Postgres job store. The caller owns the pool.
func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, ErrPoolNil
	}
	s := &Store{
		pool:            pool,
		now:             time.Now,
		logger:          slog.New(slog.DiscardHandler),
		migrationsTable: DefaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var (
	_ queue.Storage     = (*Store)(nil)
	_ queue.Initializer = (*Store)(nil)
	_ queue.Pinger      = (*Store)(nil)
)

// Init applies the embedded schema migrations.
func (s *Store) Init(ctx context.Context) error {
	return pg.Migrate(ctx, s.pool, migrations, migrationsDir, s.migrationsTable, s.logger)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	return Stats{ExpiredReclaims: s.expiredReclaims.Load()}
}

func (s *Store) db(ctx context.Context) pg.Querier {
	return pg.QuerierFrom(ctx, s.pool)
}

// CreateJob stores a new job. Fails with ErrJobExists if the id is taken.
func (s *Store) CreateJob(ctx context.Context, job *queue.Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	if _, err := s.db(ctx).Exec(ctx, insertSQL, args...); err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// CreateJobIfAbsent inserts the job unless a waiting or active job with the
// same id exists. A finished job with the same id is replaced in the same
// statement.
func (s *Store) CreateJobIfAbsent(ctx context.Context, job *queue.Job) (bool, error) {
	if job == nil {
		return false, errors.New("job cannot be nil")
	}
	args, err := jobArgs(job)
	if err != nil {
		return false, err
	}

	var id string
	err = s.db(ctx).QueryRow(ctx, insertIfAbsentSQL, args...).Scan(&id)
	if pg.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return true, nil
}

// ClaimJob atomically claims the next eligible job of req.Queue.
func (s *Store) ClaimJob(ctx context.Context, req queue.ClaimRequest) (*queue.Job, error) {
	now := s.now()
	aging := max(req.AgingInterval.Microseconds(), 0)

	row := s.db(ctx).QueryRow(ctx, claimSQL,
		req.Queue, now, aging, queue.WeightUrgent, req.WorkerID, now.Add(req.LockFor))

	var claimedFrom string
	job, err := scanJob(row, &claimedFrom)
	if pg.IsNoRows(err) {
		return nil, queue.ErrNoJobToClaim
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job in queue %s: %w", req.Queue, err)
	}

	if queue.JobState(claimedFrom) == queue.StateActive {
		s.expiredReclaims.Add(1)
	}
	return job, nil
}

// ExtendLock pushes the lease of an active job forward.
func (s *Store) ExtendLock(ctx context.Context, jobID, workerID string, lockFor time.Duration) error {
	return s.updateOwned(ctx, jobID, workerID, "locked_until = $3", s.now().Add(lockFor))
}

// UpdateProgress raises the progress of an active job.
func (s *Store) UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error {
	return s.updateOwned(ctx, jobID, workerID, "progress = GREATEST(progress, $3)", min(progress, 100))
}

// CompleteJob marks the job completed.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, result queue.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result of job %s: %w", jobID, err)
	}
	return s.updateOwned(ctx, jobID, workerID,
		"state = 'completed', progress = 100, result = $3, finished_at = $4, locked_by = NULL, locked_until = NULL",
		raw, s.now())
}

// RetryJob records a failed attempt and returns the job to waiting.
func (s *Store) RetryJob(ctx context.Context, jobID, workerID string, result queue.Result, availableAt time.Time) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result of job %s: %w", jobID, err)
	}
	return s.updateOwned(ctx, jobID, workerID,
		"state = 'waiting', attempts = attempts + 1, result = $3, available_at = $4, locked_by = NULL, locked_until = NULL",
		raw, availableAt)
}

// FailJob records the last failed attempt and moves the job to failed.
func (s *Store) FailJob(ctx context.Context, jobID, workerID string, result queue.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result of job %s: %w", jobID, err)
	}
	return s.updateOwned(ctx, jobID, workerID,
		"state = 'failed', attempts = attempts + 1, result = $3, finished_at = $4, locked_by = NULL, locked_until = NULL",
		raw, s.now())
}

func (s *Store) updateOwned(ctx context.Context, jobID, workerID, set string, args ...any) error {
	db := s.db(ctx)

	tag, err := db.Exec(ctx, ownedSQL(set), append([]any{jobID, workerID}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx, existsSQL, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check job %s: %w", jobID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}
	return fmt.Errorf("%w: job %s", queue.ErrLeaseLost, jobID)
}

// Prune removes the oldest finished jobs in the given state beyond keep.
func (s *Store) Prune(ctx context.Context, queueName string, state queue.JobState, keep int) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("cannot prune %s jobs", state)
	}
	if keep < 0 {
		return 0, nil
	}

	tag, err := s.db(ctx).Exec(ctx, pruneSQL, queueName, string(state), keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s jobs of queue %s: %w", state, queueName, err)
	}
	return int(tag.RowsAffected()), nil
}

// CountJobs returns the number of jobs per state in one queue.
func (s *Store) CountJobs(ctx context.Context, queueName string) (map[queue.JobState]int64, error) {
	rows, err := s.db(ctx).Query(ctx, countSQL, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs of queue %s: %w", queueName, err)
	}
	defer rows.Close()

	counts := make(map[queue.JobState]int64, len(queue.States))
	for _, state := range queue.States {
		counts[state] = 0
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to read job counts of queue %s: %w", queueName, err)
		}
		counts[queue.JobState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job counts of queue %s: %w", queueName, err)
	}
	return counts, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := scanJob(s.db(ctx).QueryRow(ctx, getSQL, jobID), nil)
	if pg.IsNoRows(err) {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return job, nil
}

// DeadLetters lists failed jobs of a queue, newest first.
func (s *Store) DeadLetters(ctx context.Context, queueName string, limit int) ([]*queue.Job, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := s.db(ctx).Query(ctx, deadLettersSQL, queueName, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters of queue %s: %w", queueName, err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*queue.Job, error) {
		return scanJob(row, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters of queue %s: %w", queueName, err)
	}
	if out == nil {
		out = []*queue.Job{}
	}
	return out, nil
}
