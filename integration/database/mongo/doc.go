// Package mongo creates MongoDB clients with retry on startup and provides a
// readiness check for them.
//
//	var cfg mongo.Config
//	config.MustLoad(&cfg)
//
//	db, err := mongo.NewWithDatabase(ctx, cfg, "")
//	if err != nil {
//		return err
//	}
//	defer db.Client().Disconnect(context.Background())
//
// Connection settings come from MONGODB_* environment variables; see Config.
// Failed connections wrap ErrFailedToConnectToMongo, failed pings wrap
// ErrHealthcheckFailed.
package mongo
