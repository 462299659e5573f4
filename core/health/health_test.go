package health_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/pharmaq/core/health"
)

func TestLiveness(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	health.Liveness().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ALIVE", rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	health.NoContent().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	calls := 0
	counted := func(context.Context) error { calls++; return nil }
	failing := func(context.Context) error { return errors.New("redis down") }

	t.Run("all checks pass", func(t *testing.T) {
		rec := httptest.NewRecorder()
		health.Readiness(nil, ok, nil, ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "READY", rec.Body.String())
	})

	t.Run("stops at first failure", func(t *testing.T) {
		rec := httptest.NewRecorder()
		health.Readiness(nil, failing, counted).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "NOT READY", rec.Body.String())
		assert.Zero(t, calls)
	})

	t.Run("checks receive a deadline", func(t *testing.T) {
		var hasDeadline bool
		check := func(ctx context.Context) error {
			_, hasDeadline = ctx.Deadline()
			return nil
		}
		rec := httptest.NewRecorder()
		health.Readiness(nil, check).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.True(t, hasDeadline)
	})
}
