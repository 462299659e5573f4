package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pharmaq/core/event"
	"github.com/dmitrymomot/pharmaq/core/queue"
	"github.com/dmitrymomot/pharmaq/integration/metrics"
)

type fakeSource struct {
	stats map[string]queue.QueueStatistics
	pools []queue.PoolStats
}

func (f fakeSource) Statistics(context.Context) map[string]queue.QueueStatistics { return f.stats }
func (f fakeSource) PoolStats() []queue.PoolStats                               { return f.pools }

type fakeBus struct{ stats event.BusStats }

func (f fakeBus) Stats() event.BusStats { return f.stats }

func newSource() fakeSource {
	return fakeSource{
		stats: map[string]queue.QueueStatistics{
			queue.QueueDataExport: {Waiting: 3, Active: 1, Completed: 7, Failed: 2, Total: 13},
			queue.QueueAIAnalysis: {Error: "connection reset"},
		},
		pools: []queue.PoolStats{
			{Queue: queue.QueueDataExport, Concurrency: 3, ActiveJobs: 1, IsRunning: true},
		},
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := metrics.New(nil)
	assert.ErrorIs(t, err, metrics.ErrSourceNil)

	m, err := metrics.New(newSource(), metrics.WithRuntimeMetrics())
	require.NoError(t, err)
	n, err := testutil.GatherAndCount(m.Registry(), "go_goroutines")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollector(t *testing.T) {
	t.Parallel()

	m, err := metrics.New(newSource(), metrics.WithBus(fakeBus{stats: event.BusStats{EventsPublished: 9, Buffered: 2}}))
	require.NoError(t, err)

	expected := `
# HELP pharmaq_queue_jobs Jobs per queue and state.
# TYPE pharmaq_queue_jobs gauge
pharmaq_queue_jobs{queue="data-export",state="active"} 1
pharmaq_queue_jobs{queue="data-export",state="completed"} 7
pharmaq_queue_jobs{queue="data-export",state="failed"} 2
pharmaq_queue_jobs{queue="data-export",state="waiting"} 3
# HELP pharmaq_queue_statistics_error 1 when the last statistics query for the queue failed.
# TYPE pharmaq_queue_statistics_error gauge
pharmaq_queue_statistics_error{queue="ai-analysis"} 1
pharmaq_queue_statistics_error{queue="data-export"} 0
# HELP pharmaq_pool_active_jobs Handlers currently running.
# TYPE pharmaq_pool_active_jobs gauge
pharmaq_pool_active_jobs{queue="data-export"} 1
# HELP pharmaq_bus_buffered_events Events waiting for dispatch.
# TYPE pharmaq_bus_buffered_events gauge
pharmaq_bus_buffered_events 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"pharmaq_queue_jobs", "pharmaq_queue_statistics_error", "pharmaq_pool_active_jobs", "pharmaq_bus_buffered_events"))
}

func TestEventHandler(t *testing.T) {
	t.Parallel()

	m, err := metrics.New(newSource())
	require.NoError(t, err)

	h := m.EventHandler()
	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, event.NewEvent(queue.QueueDataExport, queue.JobCompleted{
		Queue: queue.QueueDataExport, Duration: 200 * time.Millisecond,
	})))
	require.NoError(t, h.Handle(ctx, event.NewEvent(queue.QueueDataExport, queue.JobFailed{
		Queue: queue.QueueDataExport, Terminal: false, Duration: time.Second,
	})))
	require.NoError(t, h.Handle(ctx, event.NewEvent(queue.QueueDataExport, &queue.JobFailed{
		Queue: queue.QueueDataExport, Terminal: true, Duration: time.Second,
	})))
	require.NoError(t, h.Handle(ctx, event.NewEvent("other", "ignored")))

	expected := `
# HELP pharmaq_jobs_completed_total Jobs whose handler succeeded.
# TYPE pharmaq_jobs_completed_total counter
pharmaq_jobs_completed_total{queue="data-export"} 1
# HELP pharmaq_job_failures_total Failed handler attempts; terminal=true when the job was dead-lettered.
# TYPE pharmaq_job_failures_total counter
pharmaq_job_failures_total{queue="data-export",terminal="false"} 1
pharmaq_job_failures_total{queue="data-export",terminal="true"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"pharmaq_jobs_completed_total", "pharmaq_job_failures_total"))

	n, err := testutil.GatherAndCount(m.Registry(), "pharmaq_job_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m, err := metrics.New(newSource())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pharmaq_pool_concurrency{queue="data-export"} 3`)
	assert.Contains(t, rec.Body.String(), `pharmaq_pool_running{queue="data-export"} 1`)
}
