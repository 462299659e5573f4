package main

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/pharmaq/core/logger"
	"github.com/dmitrymomot/pharmaq/core/queue"
)

// Default recurring schedules of the platform.
const (
	ScheduleNightlyVacuum   = "nightly-db-vacuum"
	ScheduleFormularyWarmup = "formulary-cache-warmup"
)

// registerHandlers installs the handlers of every queue. The business logic
// lives in the platform services; these handlers only log and report progress.
func registerHandlers(svc *queue.Service, log *slog.Logger) error {
	handlers := map[string]queue.Handler{
		queue.QueueAIAnalysis: queue.NewHandler(func(ctx context.Context, p queue.AIAnalysisPayload) (any, error) {
			log.InfoContext(ctx, "running ai analysis",
				logger.Tenant(p.TenantID),
				slog.String("patient_id", p.PatientID),
				slog.Int("medications", len(p.Medications)))
			return stepped(ctx, map[string]any{"patient_id": p.PatientID, "interactions": 0})
		}),
		queue.QueueDataExport: queue.NewHandler(func(ctx context.Context, p queue.DataExportPayload) (any, error) {
			log.InfoContext(ctx, "running data export",
				logger.Tenant(p.TenantID),
				slog.String("file_name", p.FileName),
				slog.String("format", p.Format))
			return stepped(ctx, map[string]any{"file_name": p.FileName})
		}),
		queue.QueueCacheWarmup: queue.NewHandler(func(ctx context.Context, p queue.CacheWarmupPayload) (any, error) {
			log.InfoContext(ctx, "warming cache",
				logger.Tenant(p.TenantID),
				slog.String("scope", p.Scope))
			return stepped(ctx, map[string]any{"scope": p.Scope, "keys": len(p.Keys)})
		}),
		queue.QueueDatabaseMaintenance: queue.NewHandler(func(ctx context.Context, p queue.DatabaseMaintenancePayload) (any, error) {
			log.InfoContext(ctx, "running database maintenance",
				slog.String("operation", p.Operation),
				slog.Int("retention_days", p.RetentionDays))
			return stepped(ctx, map[string]any{"operation": p.Operation})
		}),
	}

	for _, name := range svc.Registry().Names() {
		h, ok := handlers[name]
		if !ok {
			continue
		}
		if err := svc.RegisterHandler(name, h); err != nil {
			return err
		}
	}
	return nil
}

func stepped(ctx context.Context, result map[string]any) (any, error) {
	for _, p := range []int{25, 50, 75, 100} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := queue.ReportProgress(ctx, p); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func registerSchedules(svc *queue.Service) error {
	if err := svc.AddSchedule(ScheduleNightlyVacuum, queue.MustParseCron("0 3 * * *"),
		queue.QueueDatabaseMaintenance,
		queue.DatabaseMaintenancePayload{Operation: queue.MaintenanceVacuum},
		queue.WithSchedulePriority(queue.PriorityLow),
	); err != nil {
		return err
	}

	return svc.AddSchedule(ScheduleFormularyWarmup, queue.MustParseCron("*/15 * * * *"),
		queue.QueueCacheWarmup,
		queue.CacheWarmupPayload{TenantID: "platform", Scope: "formulary"},
	)
}
