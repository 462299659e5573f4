// Package logger builds slog loggers for the pharmaq services and provides
// attribute helpers with consistent key names.
//
// # Usage
//
//	log := logger.New(
//		logger.WithProduction("pharmaq"),
//		logger.WithLevelString(cfg.LogLevel),
//		logger.WithContextValue("request_id", requestIDKey{}),
//	)
//
//	log.Info("job enqueued",
//		logger.Queue(job.Queue),
//		logger.JobID(job.ID),
//		logger.Priority(string(job.Priority)),
//	)
//
// Helpers return an empty slog.Attr for zero values, so logger.Error(nil)
// or logger.JobID("") render nothing.
package logger
