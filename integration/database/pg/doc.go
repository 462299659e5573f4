// Package pg connects to PostgreSQL through a pgx pool.
//
// Connect parses the connection string, applies the pool settings of Config
// and pings with exponential retry. Migrate applies goose migrations from any
// fs.FS, typically an embed.FS owned by the store that needs the schema.
// WithTx and InTx let callers run store operations inside their own
// transaction:
//
//	err := pg.InTx(ctx, pool, func(ctx context.Context) error {
//		if err := orders.Create(ctx, order); err != nil {
//			return err
//		}
//		_, err := svc.Enqueue(ctx, queue.QueueDataExport, payload)
//		return err
//	})
package pg
