// Package redis creates go-redis clients with connection verification and
// provides a readiness check for them.
//
//	client, err := redis.Connect(ctx, redis.Config{
//		ConnectionURL:  "redis://localhost:6379/0",
//		RetryAttempts:  3,
//		RetryInterval:  time.Second,
//		ConnectTimeout: 30 * time.Second,
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	ready := redis.Healthcheck(client)
//
// Connect accepts redis:// and rediss:// URLs. Errors are wrapped with
// ErrEmptyConnectionURL, ErrFailedToParseRedisConnString or ErrRedisNotReady;
// Healthcheck failures carry ErrHealthcheckFailed.
package redis
