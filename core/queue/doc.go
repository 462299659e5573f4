// Package queue runs the platform's background jobs: AI drug-interaction
// analysis, report exports, cache warmups and database maintenance.
//
// Each job lives in exactly one named queue. A queue has a fixed payload
// kind, a bounded worker pool and a default retry policy. Producers enqueue
// through the Enqueuer and get a handle back as soon as the job is stored;
// handlers run later on a pool of the same queue.
//
// # Features
//
//   - Fixed queue set with sealed, validated payload types
//   - Priorities urgent, high, medium and low with aging of waiting jobs
//   - Fixed or exponential retry backoff and a dead-letter list
//   - Lease based claims that survive worker crashes
//   - Recurring jobs on cron patterns with stable, deduplicated ids
//   - Job lifecycle events on an in-process event bus
//   - Per-queue statistics and graceful, bounded shutdown
//
// # Basic Usage
//
//	storage := queue.NewMemoryStorage()
//
//	svc, err := queue.NewService(storage,
//		queue.WithServiceLogger(logger),
//		queue.WithHandler(queue.QueueDataExport, queue.NewHandler(
//			func(ctx context.Context, p queue.DataExportPayload) (any, error) {
//				_ = queue.ReportProgress(ctx, 10)
//				return exporter.Export(ctx, p)
//			},
//		)),
//	)
//	if err != nil {
//		return err
//	}
//
//	_ = svc.AddSchedule("nightly-vacuum", queue.MustParseCron("0 3 * * *"),
//		queue.QueueDatabaseMaintenance,
//		queue.DatabaseMaintenancePayload{Operation: queue.MaintenanceVacuum},
//		queue.WithSchedulePriority(queue.PriorityLow),
//	)
//
//	g.Go(func() error { return svc.Run(ctx) })
//
//	handle, err := svc.Enqueuer().EnqueueDataExport(ctx, queue.DataExportPayload{
//		TenantID: tenantID,
//		FileName: "inventory.csv",
//		Format:   queue.ExportCSV,
//	}, queue.WithPriority(queue.PriorityHigh))
//
// # Priorities
//
// Lower weight is claimed first: urgent=1, high=5, medium=10, low=20. Jobs
// of equal weight are claimed in creation order. Non-urgent jobs start with
// a short commit delay so the producer's transaction is visible to the
// handler; urgent jobs are eligible immediately. A waiting job gains one
// weight step per aging interval so low priority work is never starved.
//
// # Retries
//
// A failed attempt is rescheduled after Backoff.Next(attempt) while attempts
// remain. Exponential backoff waits base*2^(attempt-1), capped at
// MaxBackoffDelay. A job that exhausts its attempts, or whose payload cannot
// be decoded, becomes terminal-failed
// and is listed by DeadLetters.
//
// # Events
//
// Pools publish JobCompleted and JobFailed on the service bus with the queue
// name as topic:
//
//	_ = svc.Subscribe(queue.QueueAIAnalysis, event.NewHandlerFunc(
//		func(ctx context.Context, e queue.JobFailed) error {
//			if e.Terminal {
//				return alerts.Notify(ctx, e)
//			}
//			return nil
//		},
//	))
//
// # Storage
//
// MemoryStorage is suitable for tests and single-process development.
// Redis and MongoDB stores live under integration/queue. Custom stores
// implement Storage; they may also implement Initializer, Pinger and Closer.
package queue
