package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/pharmaq/core/queue"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "pharmaq:"

var (
	ErrClientNil    = errors.New("redis client cannot be nil")
	ErrJobExists    = errors.New("job already exists")
	ErrCorruptedJob = errors.New("stored job is corrupted")
)

// Stats reports store-level counters.
type Stats struct {
	ExpiredReclaims int64
}

// Store is a queue.Storage backed by Redis.
//
// Each job is a hash under {prefix}job:{id}. Per queue and state a sorted set
// {prefix}q:{queue}:{state} indexes job ids: waiting jobs are scored by
// availability, active jobs by lease expiry, finished jobs by finish time.
// Every mutation runs as a single Lua script, so it is atomic per job.
// Keys are not hash-tagged; Redis Cluster is not supported.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time

	expiredReclaims atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock replaces the time source used for claims and transitions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Redis job store. The caller owns the client.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientNil
	}
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ queue.Storage = (*Store)(nil)

// CreateJob stores a new job. Fails with ErrJobExists if the id is taken.
func (s *Store) CreateJob(ctx context.Context, job *queue.Job) error {
	created, err := s.create(ctx, job, "create")
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	return nil
}

// CreateJobIfAbsent inserts the job unless a waiting or active job with the
// same id exists. A finished job with the same id is replaced.
func (s *Store) CreateJobIfAbsent(ctx context.Context, job *queue.Job) (bool, error) {
	return s.create(ctx, job, "absent")
}

func (s *Store) create(ctx context.Context, job *queue.Job, mode string) (bool, error) {
	if job == nil {
		return false, errors.New("job cannot be nil")
	}

	fields, err := encodeJob(job)
	if err != nil {
		return false, err
	}

	args := []any{s.prefix, job.ID, mode, string(job.State), stateScore(job)}
	args = append(args, fields...)

	n, err := createScript.Run(ctx, s.client, []string{s.jobKey(job.ID)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return n == 1, nil
}

// ClaimJob atomically claims the next eligible job of req.Queue.
func (s *Store) ClaimJob(ctx context.Context, req queue.ClaimRequest) (*queue.Job, error) {
	now := s.now()
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.setKey(req.Queue, queue.StateWaiting), s.setKey(req.Queue, queue.StateActive)},
		s.prefix,
		micros(now),
		micros(now.Add(req.LockFor)),
		req.WorkerID,
		strconv.FormatInt(req.AgingInterval.Microseconds(), 10),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNoJobToClaim
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job in queue %s: %w", req.Queue, err)
	}
	if len(res) < 1 {
		return nil, queue.ErrNoJobToClaim
	}

	if res[0] == string(queue.StateActive) {
		s.expiredReclaims.Add(1)
	}

	return decodeJob(pairs(res[1:]))
}

// ExtendLock pushes the lease of an active job forward.
func (s *Store) ExtendLock(ctx context.Context, jobID, workerID string, lockFor time.Duration) error {
	n, err := extendScript.Run(ctx, s.client, []string{s.jobKey(jobID)},
		s.prefix, jobID, workerID, micros(s.now().Add(lockFor)),
	).Int()
	return ownership(jobID, n, err)
}

// UpdateProgress raises the progress of an active job.
func (s *Store) UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error {
	n, err := progressScript.Run(ctx, s.client, []string{s.jobKey(jobID)},
		s.prefix, workerID, strconv.Itoa(min(progress, 100)),
	).Int()
	return ownership(jobID, n, err)
}

// CompleteJob marks the job completed.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, result queue.Result) error {
	return s.finish(ctx, jobID, workerID, queue.StateCompleted, result, s.now(), false)
}

// RetryJob records a failed attempt and returns the job to waiting.
func (s *Store) RetryJob(ctx context.Context, jobID, workerID string, result queue.Result, availableAt time.Time) error {
	return s.finish(ctx, jobID, workerID, queue.StateWaiting, result, availableAt, true)
}

// FailJob records the last failed attempt and moves the job to failed.
func (s *Store) FailJob(ctx context.Context, jobID, workerID string, result queue.Result) error {
	return s.finish(ctx, jobID, workerID, queue.StateFailed, result, s.now(), true)
}

func (s *Store) finish(ctx context.Context, jobID, workerID string, state queue.JobState, result queue.Result, at time.Time, countAttempt bool) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result of job %s: %w", jobID, err)
	}

	attempt := "0"
	if countAttempt {
		attempt = "1"
	}

	n, err := finishScript.Run(ctx, s.client, []string{s.jobKey(jobID)},
		s.prefix, jobID, workerID, string(state), string(raw), micros(at), attempt,
	).Int()
	return ownership(jobID, n, err)
}

// Prune removes the oldest finished jobs in the given state beyond keep.
func (s *Store) Prune(ctx context.Context, queueName string, state queue.JobState, keep int) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("cannot prune %s jobs", state)
	}
	if keep < 0 {
		return 0, nil
	}

	n, err := pruneScript.Run(ctx, s.client, []string{s.setKey(queueName, state)}, s.prefix, keep).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s jobs of queue %s: %w", state, queueName, err)
	}
	return n, nil
}

// CountJobs returns the number of jobs per state in one queue.
func (s *Store) CountJobs(ctx context.Context, queueName string) (map[queue.JobState]int64, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[queue.JobState]*redis.IntCmd, len(queue.States))
	for _, state := range queue.States {
		cmds[state] = pipe.ZCard(ctx, s.setKey(queueName, state))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs of queue %s: %w", queueName, err)
	}

	counts := make(map[queue.JobState]int64, len(cmds))
	for state, cmd := range cmds {
		counts[state] = cmd.Val()
	}
	return counts, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}
	return decodeJob(fields)
}

// DeadLetters lists failed jobs of a queue, newest first.
func (s *Store) DeadLetters(ctx context.Context, queueName string, limit int) ([]*queue.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, s.setKey(queueName, queue.StateFailed), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters of queue %s: %w", queueName, err)
	}
	if len(ids) == 0 {
		return []*queue.Job{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load dead letters of queue %s: %w", queueName, err)
	}

	out := make([]*queue.Job, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			// pruned between the two calls
			continue
		}
		job, err := decodeJob(cmd.Val())
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	return Stats{ExpiredReclaims: s.expiredReclaims.Load()}
}

func (s *Store) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *Store) setKey(queueName string, state queue.JobState) string {
	return s.prefix + "q:" + queueName + ":" + string(state)
}

// ownership maps script status codes to queue errors.
func ownership(jobID string, status int, err error) error {
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	switch status {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: job %s", queue.ErrLeaseLost, jobID)
	default:
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}
}

func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}
