package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pharmaq/core/event"
	"github.com/dmitrymomot/pharmaq/core/queue"
)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) failed() []queue.JobFailed {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []queue.JobFailed
	for _, evt := range p.events {
		if e, ok := evt.Payload.(queue.JobFailed); ok {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) completed() []queue.JobCompleted {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []queue.JobCompleted
	for _, evt := range p.events {
		if e, ok := evt.Payload.(queue.JobCompleted); ok {
			out = append(out, e)
		}
	}
	return out
}

func exportQueue(concurrency, attempts int, backoff queue.Backoff) queue.QueueConfig {
	return queue.QueueConfig{
		Name:        queue.QueueDataExport,
		Kind:        queue.KindDataExport,
		Concurrency: concurrency,
		MaxAttempts: attempts,
		Backoff:     backoff,
	}
}

func exportHandler(fn func(ctx context.Context, p queue.DataExportPayload) (any, error)) queue.Handler {
	return queue.NewHandler(fn)
}

func putExport(t *testing.T, storage *queue.MemoryStorage, cfg queue.QueueConfig, id string, p queue.Priority) {
	t.Helper()

	payload, err := json.Marshal(validExport())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, storage.CreateJob(context.Background(), &queue.Job{
		ID:          id,
		Queue:       cfg.Name,
		Kind:        cfg.Kind,
		Payload:     payload,
		Priority:    p,
		Weight:      p.Weight(),
		State:       queue.StateWaiting,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		CreatedAt:   now,
		AvailableAt: now,
	}))
}

func startPool(t *testing.T, pool *queue.Pool) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Start(context.Background())
	}()

	require.Eventually(t, func() bool { return pool.Stats().IsRunning }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		_ = pool.Stop()
		<-done
	})
}

func jobState(t *testing.T, storage *queue.MemoryStorage, id string) queue.JobState {
	t.Helper()
	job, err := storage.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.State
}

func TestNewPool(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	cfg := exportQueue(1, 1, queue.FixedBackoff(0))
	noop := exportHandler(func(context.Context, queue.DataExportPayload) (any, error) { return nil, nil })

	_, err := queue.NewPool(nil, cfg, noop)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)

	_, err = queue.NewPool(storage, cfg, nil)
	assert.ErrorIs(t, err, queue.ErrHandlerNil)

	wrongKind := queue.NewHandler(func(context.Context, queue.CacheWarmupPayload) (any, error) { return nil, nil })
	_, err = queue.NewPool(storage, cfg, wrongKind)
	assert.ErrorIs(t, err, queue.ErrHandlerKind)

	cfg.Concurrency = 0
	_, err = queue.NewPool(storage, cfg, noop)
	assert.ErrorIs(t, err, queue.ErrInvalidQueueConfig)

	pool, err := queue.NewPool(storage, exportQueue(2, 1, queue.FixedBackoff(0)), noop, queue.WithConcurrency(6))
	require.NoError(t, err)
	assert.Equal(t, 6, pool.Stats().Concurrency)
	assert.Equal(t, queue.QueueDataExport, pool.Queue())
	assert.NotEmpty(t, pool.WorkerID())
}

func TestPool_CompletesJob(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	publisher := &recordingPublisher{}
	cfg := exportQueue(1, 3, queue.FixedBackoff(0))

	pool, err := queue.NewPool(storage, cfg, exportHandler(func(ctx context.Context, p queue.DataExportPayload) (any, error) {
		id, ok := queue.JobIDFromContext(ctx)
		if !ok || id != "j1" {
			return nil, errors.New("missing job context")
		}
		return map[string]string{"file": p.FileName}, nil
	}), queue.WithPollInterval(10*time.Millisecond), queue.WithPublisher(publisher))
	require.NoError(t, err)

	putExport(t, storage, cfg, "j1", queue.PriorityMedium)
	startPool(t, pool)

	require.Eventually(t, func() bool { return jobState(t, storage, "j1") == queue.StateCompleted }, 2*time.Second, 10*time.Millisecond)

	job, err := storage.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Success)
	assert.JSONEq(t, `{"file":"inventory.csv"}`, string(job.Result.Data))

	require.Eventually(t, func() bool { return len(publisher.completed()) == 1 }, time.Second, 5*time.Millisecond)
	completed := publisher.completed()[0]
	assert.Equal(t, "j1", completed.JobID)
	assert.Equal(t, 1, completed.Attempt)
	assert.Equal(t, int64(1), pool.Stats().JobsProcessed)
}

func TestPool_ConcurrencyCap(t *testing.T) {
	t.Parallel()

	const jobs = 12
	const concurrency = 3

	storage := queue.NewMemoryStorage()
	cfg := exportQueue(concurrency, 1, queue.FixedBackoff(0))

	var current, peak atomic.Int32
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	}), queue.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	for i := range jobs {
		putExport(t, storage, cfg, fmt.Sprintf("j%02d", i), queue.PriorityMedium)
	}
	startPool(t, pool)

	require.Eventually(t, func() bool { return pool.Stats().JobsProcessed == jobs }, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(concurrency))
	assert.Equal(t, int32(concurrency), peak.Load())
}

func TestPool_FixedBackoffRetries(t *testing.T) {
	t.Parallel()

	const delay = 80 * time.Millisecond

	storage := queue.NewMemoryStorage()
	publisher := &recordingPublisher{}
	cfg := exportQueue(1, 3, queue.FixedBackoff(delay))

	var mu sync.Mutex
	var calls []time.Time
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil, errors.New("upstream unavailable")
	}), queue.WithPollInterval(5*time.Millisecond), queue.WithPublisher(publisher))
	require.NoError(t, err)

	putExport(t, storage, cfg, "j1", queue.PriorityMedium)
	startPool(t, pool)

	require.Eventually(t, func() bool { return jobState(t, storage, "j1") == queue.StateFailed }, 3*time.Second, 10*time.Millisecond)

	// No further attempt may follow a terminal failure.
	time.Sleep(2 * delay)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), delay)
	}

	job, err := storage.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "upstream unavailable", job.Result.Error)

	failed := publisher.failed()
	require.Len(t, failed, 3)
	assert.False(t, failed[0].Terminal)
	assert.Equal(t, delay, failed[0].RetryIn)
	assert.True(t, failed[2].Terminal)

	var herr *queue.HandlerError
	assert.ErrorAs(t, failed[0].Err, &herr)
	var exhausted *queue.ExhaustedRetriesError
	require.ErrorAs(t, failed[2].Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.JobsRetried)
	assert.Equal(t, int64(1), stats.JobsFailed)
}

func TestPool_ExponentialBackoff(t *testing.T) {
	t.Parallel()

	const base = 40 * time.Millisecond

	storage := queue.NewMemoryStorage()
	publisher := &recordingPublisher{}
	cfg := exportQueue(1, 4, queue.ExponentialBackoff(base))

	var mu sync.Mutex
	var calls []time.Time
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil, errors.New("rate limited")
	}), queue.WithPollInterval(5*time.Millisecond), queue.WithPublisher(publisher))
	require.NoError(t, err)

	putExport(t, storage, cfg, "j1", queue.PriorityMedium)
	startPool(t, pool)

	require.Eventually(t, func() bool { return jobState(t, storage, "j1") == queue.StateFailed }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 4)
	for k := 1; k < len(calls); k++ {
		want := base * time.Duration(1<<(k-1))
		assert.GreaterOrEqual(t, calls[k].Sub(calls[k-1]), want, "gap before attempt %d", k+1)
	}

	failed := publisher.failed()
	require.Len(t, failed, 4)
	assert.Equal(t, base, failed[0].RetryIn)
	assert.Equal(t, 2*base, failed[1].RetryIn)
	assert.Equal(t, 4*base, failed[2].RetryIn)
}

func TestPool_DataExportTerminalAfterTwoAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := queue.NewMemoryStorage()
	publisher := &recordingPublisher{}

	registry, err := queue.NewRegistry()
	require.NoError(t, err)
	cfg, err := registry.Lookup(queue.QueueDataExport)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.MaxAttempts)

	var calls atomic.Int32
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		calls.Add(1)
		return nil, errors.New("disk full")
	}), queue.WithPollInterval(5*time.Millisecond), queue.WithPublisher(publisher))
	require.NoError(t, err)

	enqueuer, err := queue.NewEnqueuer(storage, registry,
		queue.WithCommitDelay(0),
		queue.WithEnqueueNotifier(func(string, time.Time) { pool.Wake() }))
	require.NoError(t, err)

	handle, err := enqueuer.EnqueueDataExport(ctx, validExport(), queue.WithBackoff(queue.FixedBackoff(20*time.Millisecond)))
	require.NoError(t, err)
	startPool(t, pool)

	require.Eventually(t, func() bool { return jobState(t, storage, handle.ID) == queue.StateFailed }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	dead, err := storage.DeadLetters(ctx, queue.QueueDataExport, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, handle.ID, dead[0].ID)

	require.Eventually(t, func() bool { return len(publisher.failed()) == 2 }, time.Second, 5*time.Millisecond)
	failed := publisher.failed()
	assert.True(t, failed[1].Terminal)
	assert.Equal(t, 2, failed[1].Attempt)
	assert.Equal(t, 2, failed[1].MaxAttempts)
}

func TestPool_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	publisher := &recordingPublisher{}
	cfg := exportQueue(1, 3, queue.FixedBackoff(10*time.Millisecond))

	var calls atomic.Int32
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		if calls.Add(1) == 1 {
			panic("nil formulary")
		}
		return nil, nil
	}), queue.WithPollInterval(5*time.Millisecond), queue.WithPublisher(publisher))
	require.NoError(t, err)

	putExport(t, storage, cfg, "j1", queue.PriorityMedium)
	startPool(t, pool)

	require.Eventually(t, func() bool { return jobState(t, storage, "j1") == queue.StateCompleted }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	failed := publisher.failed()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "panic")
	assert.True(t, pool.Stats().IsRunning, "pool survives a panicking handler")
}

func TestPool_UndecodablePayloadFailsTerminally(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	publisher := &recordingPublisher{}
	cfg := exportQueue(1, 5, queue.FixedBackoff(0))

	var calls atomic.Int32
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		calls.Add(1)
		return nil, nil
	}), queue.WithPollInterval(5*time.Millisecond), queue.WithPublisher(publisher))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, storage.CreateJob(context.Background(), &queue.Job{
		ID:          "broken",
		Queue:       cfg.Name,
		Kind:        cfg.Kind,
		Payload:     json.RawMessage(`{"tenant_id":`),
		Priority:    queue.PriorityMedium,
		Weight:      queue.WeightMedium,
		State:       queue.StateWaiting,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		CreatedAt:   now,
		AvailableAt: now,
	}))
	startPool(t, pool)

	require.Eventually(t, func() bool { return jobState(t, storage, "broken") == queue.StateFailed }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, calls.Load())

	job, err := storage.GetJob(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)

	require.Eventually(t, func() bool { return len(publisher.failed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, publisher.failed()[0].Terminal)
}

func TestPool_ClaimsUrgentBeforeLow(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	cfg := exportQueue(1, 1, queue.FixedBackoff(0))

	var mu sync.Mutex
	var order []string
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(ctx context.Context, _ queue.DataExportPayload) (any, error) {
		id, _ := queue.JobIDFromContext(ctx)
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return nil, nil
	}), queue.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	putExport(t, storage, cfg, "low", queue.PriorityLow)
	putExport(t, storage, cfg, "medium", queue.PriorityMedium)
	putExport(t, storage, cfg, "urgent", queue.PriorityUrgent)
	startPool(t, pool)

	require.Eventually(t, func() bool { return pool.Stats().JobsProcessed == 3 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent", "medium", "low"}, order)
}

func TestPool_ReportProgress(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	cfg := exportQueue(1, 1, queue.FixedBackoff(0))

	reported := make(chan struct{})
	release := make(chan struct{})
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(ctx context.Context, _ queue.DataExportPayload) (any, error) {
		if err := queue.ReportProgress(ctx, 60); err != nil {
			return nil, err
		}
		if err := queue.ReportProgress(ctx, 30); err != nil {
			return nil, err
		}
		attempt, _ := queue.AttemptFromContext(ctx)
		if attempt != 1 {
			return nil, fmt.Errorf("unexpected attempt %d", attempt)
		}
		close(reported)
		<-release
		return nil, nil
	}), queue.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	putExport(t, storage, cfg, "j1", queue.PriorityMedium)
	startPool(t, pool)

	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not report progress")
	}

	job, err := storage.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, job.State)
	assert.Equal(t, 60, job.Progress)

	close(release)
	require.Eventually(t, func() bool { return jobState(t, storage, "j1") == queue.StateCompleted }, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, queue.ReportProgress(context.Background(), 10), queue.ErrNoJobContext)
}

func TestPool_LeaseExtendedWhileRunning(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	cfg := exportQueue(1, 1, queue.FixedBackoff(0))

	var calls atomic.Int32
	handler := exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		calls.Add(1)
		// Outlives the lease several times over.
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})

	pool, err := queue.NewPool(storage, cfg, handler,
		queue.WithPollInterval(5*time.Millisecond), queue.WithLockTimeout(60*time.Millisecond))
	require.NoError(t, err)

	// A second worker on the same storage would take over an expired lease.
	rival, err := queue.NewPool(storage, cfg, handler,
		queue.WithPollInterval(5*time.Millisecond), queue.WithLockTimeout(60*time.Millisecond))
	require.NoError(t, err)

	putExport(t, storage, cfg, "j1", queue.PriorityMedium)
	startPool(t, pool)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	startPool(t, rival)

	require.Eventually(t, func() bool { return jobState(t, storage, "j1") == queue.StateCompleted }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, storage.Stats().ExpiredReclaims)
	assert.Equal(t, int32(1), calls.Load())
}

// leaseLosingStorage never extends a lease and records completion results.
type leaseLosingStorage struct {
	*queue.MemoryStorage

	mu        sync.Mutex
	completes []error
	firstDone chan struct{}
}

func (s *leaseLosingStorage) ExtendLock(context.Context, string, string, time.Duration) error {
	return errors.New("storage unavailable")
}

func (s *leaseLosingStorage) CompleteJob(ctx context.Context, jobID, workerID string, result queue.Result) error {
	err := s.MemoryStorage.CompleteJob(ctx, jobID, workerID, result)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes = append(s.completes, err)
	if len(s.completes) == 1 {
		close(s.firstDone)
	}
	return err
}

func (s *leaseLosingStorage) completeErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.completes...)
}

func TestPool_ReclaimedLeaseRejectsStaleAttempt(t *testing.T) {
	t.Parallel()

	storage := &leaseLosingStorage{MemoryStorage: queue.NewMemoryStorage(), firstDone: make(chan struct{})}
	cfg := exportQueue(2, 1, queue.FixedBackoff(0))

	var calls atomic.Int32
	secondStarted := make(chan struct{})
	handler := exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		switch calls.Add(1) {
		case 1:
			// Runs past its lease until the other slot has taken the job over.
			<-secondStarted
		case 2:
			close(secondStarted)
			<-storage.firstDone
		}
		return nil, nil
	})

	pool, err := queue.NewPool(storage, cfg, handler,
		queue.WithPollInterval(5*time.Millisecond), queue.WithLockTimeout(40*time.Millisecond))
	require.NoError(t, err)

	putExport(t, storage.MemoryStorage, cfg, "j1", queue.PriorityMedium)
	startPool(t, pool)

	require.Eventually(t, func() bool { return len(storage.completeErrors()) == 2 }, 2*time.Second, 5*time.Millisecond)

	errs := storage.completeErrors()
	assert.ErrorIs(t, errs[0], queue.ErrLeaseLost)
	assert.NoError(t, errs[1])
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), pool.Stats().JobsProcessed)
	assert.Equal(t, int64(1), storage.Stats().ExpiredReclaims)
	assert.Equal(t, queue.StateCompleted, jobState(t, storage.MemoryStorage, "j1"))
}

func TestPool_StopDrainsActiveJobs(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	cfg := exportQueue(3, 1, queue.FixedBackoff(0))

	var started atomic.Int32
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		started.Add(1)
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}), queue.WithPollInterval(5*time.Millisecond), queue.WithDrainTimeout(2*time.Second))
	require.NoError(t, err)

	for i := range 3 {
		putExport(t, storage, cfg, fmt.Sprintf("j%d", i), queue.PriorityMedium)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Start(context.Background()) }()

	require.Eventually(t, func() bool { return started.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop())
	<-done

	for i := range 3 {
		assert.Equal(t, queue.StateCompleted, jobState(t, storage, fmt.Sprintf("j%d", i)))
	}
	assert.False(t, pool.Stats().IsRunning)
}

func TestPool_StopBoundedByDrainTimeout(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	cfg := exportQueue(3, 1, queue.FixedBackoff(0))

	release := make(chan struct{})
	var started atomic.Int32
	pool, err := queue.NewPool(storage, cfg, exportHandler(func(context.Context, queue.DataExportPayload) (any, error) {
		started.Add(1)
		<-release
		return nil, nil
	}), queue.WithPollInterval(5*time.Millisecond), queue.WithDrainTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer close(release)

	for i := range 3 {
		putExport(t, storage, cfg, fmt.Sprintf("j%d", i), queue.PriorityMedium)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Start(context.Background()) }()
	require.Eventually(t, func() bool { return started.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	err = pool.Stop()
	elapsed := time.Since(begin)

	assert.ErrorIs(t, err, queue.ErrShutdownTimeout)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, int32(3), pool.Stats().ActiveJobs)
	<-done
}

func TestPool_Lifecycle(t *testing.T) {
	t.Parallel()

	newPool := func(t *testing.T) *queue.Pool {
		t.Helper()
		pool, err := queue.NewPool(queue.NewMemoryStorage(), exportQueue(1, 1, queue.FixedBackoff(0)),
			exportHandler(func(context.Context, queue.DataExportPayload) (any, error) { return nil, nil }),
			queue.WithPollInterval(5*time.Millisecond))
		require.NoError(t, err)
		return pool
	}

	t.Run("stop before start", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, newPool(t).Stop(), queue.ErrPoolNotStarted)
	})

	t.Run("double start", func(t *testing.T) {
		t.Parallel()
		pool := newPool(t)
		startPool(t, pool)
		assert.ErrorIs(t, pool.Start(context.Background()), queue.ErrPoolAlreadyStarted)
	})

	t.Run("healthcheck", func(t *testing.T) {
		t.Parallel()
		pool := newPool(t)

		err := pool.Healthcheck(context.Background())
		assert.ErrorIs(t, err, queue.ErrHealthcheckFailed)
		assert.ErrorIs(t, err, queue.ErrPoolNotRunning)

		startPool(t, pool)
		assert.NoError(t, pool.Healthcheck(context.Background()))

		require.NoError(t, pool.Stop())
		assert.ErrorIs(t, pool.Healthcheck(context.Background()), queue.ErrPoolNotRunning)
	})

	t.Run("run with errgroup semantics", func(t *testing.T) {
		t.Parallel()
		pool := newPool(t)
		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() { errCh <- pool.Run(ctx)() }()

		require.Eventually(t, func() bool { return pool.Stats().IsRunning }, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("run did not return after cancellation")
		}
	})
}
