package queue_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pharmaq/core/queue"
)

func TestRegistry_Defaults(t *testing.T) {
	t.Parallel()

	r, err := queue.NewRegistry()
	require.NoError(t, err)

	assert.Equal(t, []string{
		queue.QueueAIAnalysis,
		queue.QueueDataExport,
		queue.QueueCacheWarmup,
		queue.QueueDatabaseMaintenance,
	}, r.Names())

	export, err := r.Lookup(queue.QueueDataExport)
	require.NoError(t, err)
	assert.Equal(t, queue.KindDataExport, export.Kind)
	assert.Equal(t, 2, export.MaxAttempts)
	assert.Equal(t, queue.FixedBackoff(5*time.Second), export.Backoff)

	ai, err := r.Lookup(queue.QueueAIAnalysis)
	require.NoError(t, err)
	assert.Equal(t, queue.BackoffExponential, ai.Backoff.Kind)
}

func TestRegistry_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unknown queue", func(t *testing.T) {
		t.Parallel()
		r, err := queue.NewRegistry()
		require.NoError(t, err)

		_, err = r.Lookup("billing")
		assert.ErrorIs(t, err, queue.ErrUnknownQueue)
		assert.ErrorIs(t, r.SetConcurrency("billing", 2), queue.ErrUnknownQueue)
	})

	t.Run("duplicate queue", func(t *testing.T) {
		t.Parallel()
		cfg := queue.DefaultQueues()[0]
		_, err := queue.NewRegistry(cfg, cfg)
		assert.ErrorIs(t, err, queue.ErrDuplicateQueue)
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		cfg := queue.DefaultQueues()[0]
		cfg.Concurrency = 0
		_, err := queue.NewRegistry(cfg)
		assert.ErrorIs(t, err, queue.ErrInvalidQueueConfig)
	})

	t.Run("concurrency override", func(t *testing.T) {
		t.Parallel()
		r, err := queue.NewRegistry()
		require.NoError(t, err)

		require.NoError(t, r.SetConcurrency(queue.QueueAIAnalysis, 7))
		cfg, err := r.Lookup(queue.QueueAIAnalysis)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Concurrency)

		assert.ErrorIs(t, r.SetConcurrency(queue.QueueAIAnalysis, 0), queue.ErrInvalidQueueConfig)
	})
}

func TestPayload_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload queue.Payload
		field   string
	}{
		{"ai analysis ok", queue.AIAnalysisPayload{TenantID: "t1", PatientID: "p1"}, ""},
		{"ai analysis without patient", queue.AIAnalysisPayload{TenantID: "t1"}, "patient_id"},
		{"ai analysis blank tenant", queue.AIAnalysisPayload{TenantID: "  ", PatientID: "p1"}, "tenant_id"},
		{"export ok", queue.DataExportPayload{TenantID: "t1", FileName: "inventory.csv", Format: queue.ExportCSV}, ""},
		{"export without file name", queue.DataExportPayload{TenantID: "t1", Format: queue.ExportCSV}, "file_name"},
		{"export unknown format", queue.DataExportPayload{TenantID: "t1", FileName: "x", Format: "docx"}, "format"},
		{"warmup ok", queue.CacheWarmupPayload{TenantID: "t1", Scope: "formulary"}, ""},
		{"warmup without scope", queue.CacheWarmupPayload{TenantID: "t1"}, "scope"},
		{"maintenance ok", queue.DatabaseMaintenancePayload{Operation: queue.MaintenanceVacuum}, ""},
		{"maintenance unknown operation", queue.DatabaseMaintenancePayload{Operation: "drop"}, "operation"},
		{"maintenance negative retention", queue.DatabaseMaintenancePayload{Operation: queue.MaintenancePrune, RetentionDays: -1}, "retention_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.payload.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}

			var verr *queue.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, queue.ErrValidation)
		})
	}
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	t.Run("known kind", func(t *testing.T) {
		t.Parallel()
		raw, err := json.Marshal(queue.CacheWarmupPayload{TenantID: "t1", Scope: "formulary", Keys: []string{"a"}})
		require.NoError(t, err)

		p, err := queue.DecodePayload(queue.KindCacheWarmup, raw)
		require.NoError(t, err)
		assert.Equal(t, queue.CacheWarmupPayload{TenantID: "t1", Scope: "formulary", Keys: []string{"a"}}, p)
	})

	t.Run("unknown kind", func(t *testing.T) {
		t.Parallel()
		_, err := queue.DecodePayload("fax", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, queue.ErrUnknownJobKind)
	})

	t.Run("malformed payload", func(t *testing.T) {
		t.Parallel()
		_, err := queue.DecodePayload(queue.KindDataExport, json.RawMessage(`{"tenant_id":`))
		assert.Error(t, err)
	})
}
