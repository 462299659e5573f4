// Package pgqueue implements queue.Storage on PostgreSQL.
//
// All jobs live in the queue_jobs table created by the embedded goose
// migrations when the service calls Init. Claims select the best candidate
// with priority aging computed in SQL and lock it with FOR UPDATE SKIP
// LOCKED. Timestamps are stored with microsecond precision.
//
//	pool, _ := pg.Connect(ctx, cfg)
//	store, _ := pgqueue.New(pool, pgqueue.WithLogger(log))
//	svc, _ := queue.NewService(store)
//
// Producers that need a job to commit with their own writes run Enqueue
// inside pg.InTx; the insert joins the transaction from the context.
package pgqueue
