package redisqueue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pharmaq/core/queue"
	"github.com/dmitrymomot/pharmaq/integration/queue/redisqueue"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupStore(t *testing.T) (*redisqueue.Store, *testClock, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := redisqueue.New(client, redisqueue.WithClock(clock.Now), redisqueue.WithPrefix("test:"))
	require.NoError(t, err)
	return store, clock, mr
}

func newJob(id string, p queue.Priority, created time.Time) *queue.Job {
	return &queue.Job{
		ID:          id,
		Queue:       queue.QueueDataExport,
		Kind:        queue.KindDataExport,
		Payload:     []byte(`{"tenant_id":"t1"}`),
		Priority:    p,
		Weight:      p.Weight(),
		State:       queue.StateWaiting,
		MaxAttempts: 3,
		Backoff:     queue.FixedBackoff(time.Second),
		CreatedAt:   created,
		AvailableAt: created,
	}
}

func claimReq(worker string) queue.ClaimRequest {
	return queue.ClaimRequest{Queue: queue.QueueDataExport, WorkerID: worker, LockFor: time.Minute}
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := redisqueue.New(nil)
	assert.ErrorIs(t, err, redisqueue.ErrClientNil)
}

func TestStore_ClaimOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock, _ := setupStore(t)
	now := clock.Now()

	require.NoError(t, store.CreateJob(ctx, newJob("low", queue.PriorityLow, now.Add(-3*time.Second))))
	require.NoError(t, store.CreateJob(ctx, newJob("medium-2", queue.PriorityMedium, now.Add(-time.Second))))
	require.NoError(t, store.CreateJob(ctx, newJob("medium-1", queue.PriorityMedium, now.Add(-2*time.Second))))
	require.NoError(t, store.CreateJob(ctx, newJob("urgent", queue.PriorityUrgent, now)))

	delayed := newJob("delayed", queue.PriorityUrgent, now)
	delayed.AvailableAt = now.Add(time.Hour)
	require.NoError(t, store.CreateJob(ctx, delayed))

	other := newJob("other", queue.PriorityUrgent, now.Add(-time.Hour))
	other.Queue = queue.QueueCacheWarmup
	require.NoError(t, store.CreateJob(ctx, other))

	var order []string
	for {
		job, err := store.ClaimJob(ctx, claimReq("w1"))
		if errors.Is(err, queue.ErrNoJobToClaim) {
			break
		}
		require.NoError(t, err)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"urgent", "medium-1", "medium-2", "low"}, order)

	err := store.CreateJob(ctx, newJob("urgent", queue.PriorityUrgent, now))
	assert.ErrorIs(t, err, redisqueue.ErrJobExists)
}

func TestStore_ClaimAging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock, _ := setupStore(t)
	now := clock.Now()

	// Eligible for 15 minutes at one step per minute: weight 20 ages to 5,
	// which beats a fresh medium job.
	old := newJob("old-low", queue.PriorityLow, now.Add(-15*time.Minute))
	require.NoError(t, store.CreateJob(ctx, old))
	require.NoError(t, store.CreateJob(ctx, newJob("fresh-medium", queue.PriorityMedium, now)))

	req := claimReq("w1")
	req.AgingInterval = time.Minute
	job, err := store.ClaimJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "old-low", job.ID)
}

func TestStore_LeaseAndTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock, _ := setupStore(t)
	now := clock.Now()

	require.NoError(t, store.CreateJob(ctx, newJob("job-1", queue.PriorityHigh, now)))

	job, err := store.ClaimJob(ctx, claimReq("w1"))
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, job.State)
	assert.Equal(t, "w1", job.LockedBy)
	require.NotNil(t, job.LockedUntil)
	assert.True(t, job.LockedUntil.Equal(now.Add(time.Minute)))
	require.NotNil(t, job.LastAttemptAt)
	assert.JSONEq(t, `{"tenant_id":"t1"}`, string(job.Payload))
	assert.Equal(t, queue.FixedBackoff(time.Second), job.Backoff)

	assert.ErrorIs(t, store.ExtendLock(ctx, "job-1", "w2", time.Minute), queue.ErrLeaseLost)
	assert.ErrorIs(t, store.UpdateProgress(ctx, "job-1", "w2", 10), queue.ErrLeaseLost)
	assert.ErrorIs(t, store.CompleteJob(ctx, "missing", "w1", queue.Result{}), queue.ErrJobNotFound)

	require.NoError(t, store.UpdateProgress(ctx, "job-1", "w1", 60))
	require.NoError(t, store.UpdateProgress(ctx, "job-1", "w1", 30))
	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 60, got.Progress)

	retryAt := now.Add(5 * time.Second)
	require.NoError(t, store.RetryJob(ctx, "job-1", "w1", queue.Result{Error: "timeout"}, retryAt))

	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.LockedBy)
	assert.Nil(t, got.LockedUntil)
	assert.True(t, got.AvailableAt.Equal(retryAt))
	require.NotNil(t, got.Result)
	assert.Equal(t, "timeout", got.Result.Error)

	_, err = store.ClaimJob(ctx, claimReq("w1"))
	assert.ErrorIs(t, err, queue.ErrNoJobToClaim)
	assert.ErrorIs(t, store.CompleteJob(ctx, "job-1", "w1", queue.Result{}), queue.ErrLeaseLost)

	clock.Advance(5 * time.Second)
	_, err = store.ClaimJob(ctx, claimReq("w2"))
	require.NoError(t, err)

	require.NoError(t, store.CompleteJob(ctx, "job-1", "w2", queue.Result{Success: true, Data: []byte(`{"rows":3}`)}))
	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.FinishedAt)
	assert.JSONEq(t, `{"rows":3}`, string(got.Result.Data))

	_, err = store.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestStore_ExpiredLeaseReclaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock, _ := setupStore(t)

	require.NoError(t, store.CreateJob(ctx, newJob("job-1", queue.PriorityMedium, clock.Now())))
	_, err := store.ClaimJob(ctx, claimReq("crashed"))
	require.NoError(t, err)

	_, err = store.ClaimJob(ctx, claimReq("w2"))
	assert.ErrorIs(t, err, queue.ErrNoJobToClaim)

	require.NoError(t, store.ExtendLock(ctx, "job-1", "crashed", 2*time.Minute))
	clock.Advance(90 * time.Second)
	_, err = store.ClaimJob(ctx, claimReq("w2"))
	assert.ErrorIs(t, err, queue.ErrNoJobToClaim)

	clock.Advance(time.Minute)
	job, err := store.ClaimJob(ctx, claimReq("w2"))
	require.NoError(t, err)
	assert.Equal(t, "w2", job.LockedBy)
	assert.Equal(t, int64(1), store.Stats().ExpiredReclaims)

	assert.ErrorIs(t, store.FailJob(ctx, "job-1", "crashed", queue.Result{}), queue.ErrLeaseLost)
}

func TestStore_DeadLettersCountsAndPrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock, _ := setupStore(t)

	for i := range 4 {
		id := fmt.Sprintf("job-%d", i)
		require.NoError(t, store.CreateJob(ctx, newJob(id, queue.PriorityMedium, clock.Now())))
		_, err := store.ClaimJob(ctx, claimReq("w1"))
		require.NoError(t, err)
		require.NoError(t, store.FailJob(ctx, id, "w1", queue.Result{Error: "boom"}))
		clock.Advance(time.Second)
	}
	require.NoError(t, store.CreateJob(ctx, newJob("waiting", queue.PriorityLow, clock.Now())))

	counts, err := store.CountJobs(ctx, queue.QueueDataExport)
	require.NoError(t, err)
	assert.Equal(t, map[queue.JobState]int64{
		queue.StateWaiting:   1,
		queue.StateActive:    0,
		queue.StateCompleted: 0,
		queue.StateFailed:    4,
	}, counts)

	dead, err := store.DeadLetters(ctx, queue.QueueDataExport, 2)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "job-3", dead[0].ID)
	assert.Equal(t, "job-2", dead[1].ID)
	assert.Equal(t, 1, dead[0].Attempts)

	_, err = store.Prune(ctx, queue.QueueDataExport, queue.StateWaiting, 1)
	assert.Error(t, err)

	removed, err := store.Prune(ctx, queue.QueueDataExport, queue.StateFailed, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	dead, err = store.DeadLetters(ctx, queue.QueueDataExport, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job-3", dead[0].ID)

	_, err = store.GetJob(ctx, "job-0")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestStore_CreateJobIfAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock, _ := setupStore(t)

	job := newJob("recurring", queue.PriorityLow, clock.Now())
	job.Recurring = "nightly"

	var created atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CreateJobIfAbsent(ctx, job)
			assert.NoError(t, err)
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())

	_, err := store.ClaimJob(ctx, claimReq("w1"))
	require.NoError(t, err)
	ok, err := store.CreateJobIfAbsent(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok, "active instance blocks a new one")

	require.NoError(t, store.CompleteJob(ctx, "recurring", "w1", queue.Result{Success: true}))
	ok, err = store.CreateJobIfAbsent(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok, "finished instance is replaced")

	got, err := store.GetJob(ctx, "recurring")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Equal(t, "nightly", got.Recurring)

	counts, err := store.CountJobs(ctx, queue.QueueDataExport)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[queue.StateWaiting])
	assert.Zero(t, counts[queue.StateCompleted])
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()

	store, _, mr := setupStore(t)
	assert.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
