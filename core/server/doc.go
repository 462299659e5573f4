// Package server wraps http.Server with graceful shutdown, timeouts loaded
// from the environment and an errgroup-friendly Run method.
//
//	srv, err := server.NewFromConfig(cfg, server.WithLogger(log))
//	if err != nil {
//		return err
//	}
//
//	eg, ctx := errgroup.WithContext(ctx)
//	eg.Go(srv.Run(ctx, handler))
//	return eg.Wait()
//
// Start blocks until the context is canceled and returns ctx.Err(); the
// caller then invokes Stop, which waits up to the shutdown timeout for
// in-flight requests. Run combines both.
package server
