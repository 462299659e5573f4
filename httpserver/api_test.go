package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pharmaq/core/queue"
	"github.com/dmitrymomot/pharmaq/httpserver"
)

func newAPI(t *testing.T, opts ...httpserver.Option) (*queue.Service, http.Handler) {
	t.Helper()

	cfg := queue.DefaultConfig()
	cfg.CommitDelay = 0
	svc, err := queue.NewServiceFromConfig(cfg, queue.NewMemoryStorage())
	require.NoError(t, err)

	api, err := httpserver.New(svc, opts...)
	require.NoError(t, err)
	return svc, api.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpserver.HTTPError {
	t.Helper()

	var e httpserver.HTTPError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestNew_NilService(t *testing.T) {
	t.Parallel()

	_, err := httpserver.New(nil)
	assert.ErrorIs(t, err, httpserver.ErrServiceNil)
}

func TestEnqueue(t *testing.T) {
	t.Parallel()

	svc, h := newAPI(t)

	rec := do(t, h, http.MethodPost, "/api/queues/data-export/jobs",
		`{"payload":{"tenant_id":"t1","file_name":"sales.csv","format":"csv"},"priority":"high"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(httpserver.RequestIDHeader))

	var handle queue.JobHandle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &handle))
	assert.Equal(t, queue.QueueDataExport, handle.Queue)
	assert.NotEmpty(t, handle.ID)
	assert.Equal(t, "/api/jobs/"+handle.ID, rec.Header().Get("Location"))

	job, err := svc.GetJob(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityHigh, job.Priority)
	assert.Equal(t, queue.StateWaiting, job.State)

	rec = do(t, h, http.MethodGet, "/api/jobs/"+handle.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got queue.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, handle.ID, got.ID)
	assert.Equal(t, queue.KindDataExport, got.Kind)
}

func TestEnqueue_Errors(t *testing.T) {
	t.Parallel()

	_, h := newAPI(t, httpserver.WithMaxBodyBytes(256))

	tests := []struct {
		name   string
		target string
		body   string
		status int
		code   string
		field  string
	}{
		{
			name:   "unknown queue",
			target: "/api/queues/billing/jobs",
			body:   `{"payload":{}}`,
			status: http.StatusNotFound,
			code:   "unknown_queue",
		},
		{
			name:   "empty body",
			target: "/api/queues/data-export/jobs",
			status: http.StatusBadRequest,
			code:   "bad_request",
		},
		{
			name:   "malformed json",
			target: "/api/queues/data-export/jobs",
			body:   `{"payload":`,
			status: http.StatusBadRequest,
			code:   "bad_request",
		},
		{
			name:   "missing payload",
			target: "/api/queues/data-export/jobs",
			body:   `{"priority":"low"}`,
			status: http.StatusUnprocessableEntity,
			code:   "validation_failed",
			field:  "payload",
		},
		{
			name:   "payload of wrong shape",
			target: "/api/queues/data-export/jobs",
			body:   `{"payload":"sales.csv"}`,
			status: http.StatusUnprocessableEntity,
			code:   "validation_failed",
			field:  "payload",
		},
		{
			name:   "invalid payload field",
			target: "/api/queues/data-export/jobs",
			body:   `{"payload":{"tenant_id":"t1","file_name":"x","format":"docx"}}`,
			status: http.StatusUnprocessableEntity,
			code:   "validation_failed",
			field:  "format",
		},
		{
			name:   "invalid priority",
			target: "/api/queues/ai-analysis/jobs",
			body:   `{"payload":{"tenant_id":"t1","patient_id":"p1"},"priority":"asap"}`,
			status: http.StatusUnprocessableEntity,
			code:   "validation_failed",
			field:  "priority",
		},
		{
			name:   "body too large",
			target: "/api/queues/ai-analysis/jobs",
			body:   `{"payload":{"tenant_id":"t1","patient_id":"` + strings.Repeat("p", 512) + `"}}`,
			status: http.StatusRequestEntityTooLarge,
			code:   "request_too_large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.target, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			e := decodeError(t, rec)
			assert.Equal(t, tt.code, e.Code)
			if tt.field != "" {
				assert.Equal(t, tt.field, e.Details["field"])
			}
		})
	}
}

func TestEnqueue_ServiceStopped(t *testing.T) {
	t.Parallel()

	svc, h := newAPI(t)
	require.NoError(t, svc.Shutdown())

	rec := do(t, h, http.MethodPost, "/api/queues/ai-analysis/jobs",
		`{"payload":{"tenant_id":"t1","patient_id":"p1"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "service_unavailable", decodeError(t, rec).Code)
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	_, h := newAPI(t)

	rec := do(t, h, http.MethodGet, "/api/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)
}

func TestStatsAndQueues(t *testing.T) {
	t.Parallel()

	svc, h := newAPI(t)
	_, err := svc.Enqueue(context.Background(), queue.QueueCacheWarmup,
		queue.CacheWarmupPayload{TenantID: "t1", Scope: "formulary"})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]queue.QueueStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 4)
	assert.Equal(t, int64(1), stats[queue.QueueCacheWarmup].Waiting)
	assert.Equal(t, int64(1), stats[queue.QueueCacheWarmup].Total)
	assert.Zero(t, stats[queue.QueueAIAnalysis].Total)

	rec = do(t, h, http.MethodGet, "/api/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var queues []httpserver.QueueInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queues))
	require.Len(t, queues, 4)
	for _, q := range queues {
		assert.NotEmpty(t, q.Kind)
		assert.Positive(t, q.Concurrency)
		assert.False(t, q.Running)
	}
}

func TestDeadLetters(t *testing.T) {
	t.Parallel()

	cfg := queue.DefaultConfig()
	cfg.CommitDelay = 0
	cfg.PollInterval = 10 * time.Millisecond
	cfg.CheckInterval = 10 * time.Millisecond
	svc, err := queue.NewServiceFromConfig(cfg, queue.NewMemoryStorage(),
		queue.WithHandler(queue.QueueDataExport, queue.NewHandler(func(context.Context, queue.DataExportPayload) (any, error) {
			return nil, errors.New("disk full")
		})))
	require.NoError(t, err)

	api, err := httpserver.New(svc)
	require.NoError(t, err)
	h := api.Handler()

	rec := do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	require.Eventually(t, func() bool { return svc.Healthcheck(context.Background()) == nil }, 2*time.Second, 5*time.Millisecond)

	rec = do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/queues/data-export/jobs",
		`{"payload":{"tenant_id":"t1","file_name":"sales.csv","format":"csv"},"attempts":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var jobs []*queue.Job
	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/queues/data-export/dead-letters?limit=10", "")
		if rec.Code != http.StatusOK {
			return false
		}
		jobs = nil
		return json.Unmarshal(rec.Body.Bytes(), &jobs) == nil && len(jobs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, queue.StateFailed, jobs[0].State)
	require.NotNil(t, jobs[0].Result)
	assert.Contains(t, jobs[0].Result.Error, "disk full")

	rec = do(t, h, http.MethodGet, "/api/queues/data-export/dead-letters?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/queues/billing/dead-letters", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDAndFallback(t *testing.T) {
	t.Parallel()

	_, h := newAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set(httpserver.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(httpserver.RequestIDHeader))

	rec = do(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsHandlerMounted(t *testing.T) {
	t.Parallel()

	_, h := newAPI(t, httpserver.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pharmaq_up 1\n"))
	})))

	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pharmaq_up")
}

func TestRequestIDExtractor(t *testing.T) {
	t.Parallel()

	_, ok := httpserver.RequestIDExtractor(context.Background())
	assert.False(t, ok)
}
