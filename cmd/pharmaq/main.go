// Command pharmaq runs the pharmacy platform job queues: worker pools for
// every queue, the recurring scheduler and the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/pharmaq/core/config"
	"github.com/dmitrymomot/pharmaq/core/event"
	"github.com/dmitrymomot/pharmaq/core/health"
	"github.com/dmitrymomot/pharmaq/core/logger"
	"github.com/dmitrymomot/pharmaq/core/queue"
	"github.com/dmitrymomot/pharmaq/core/server"
	"github.com/dmitrymomot/pharmaq/httpserver"
	mongodb "github.com/dmitrymomot/pharmaq/integration/database/mongo"
	"github.com/dmitrymomot/pharmaq/integration/database/pg"
	redisdb "github.com/dmitrymomot/pharmaq/integration/database/redis"
	"github.com/dmitrymomot/pharmaq/integration/metrics"
	"github.com/dmitrymomot/pharmaq/integration/queue/mongoqueue"
	"github.com/dmitrymomot/pharmaq/integration/queue/pgqueue"
	"github.com/dmitrymomot/pharmaq/integration/queue/redisqueue"
	"github.com/dmitrymomot/pharmaq/pkg/ratelimiter"
)

// Storage drivers accepted by STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

var version = "dev"

type appConfig struct {
	Env           string `env:"APP_ENV" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"memory"`
	RedisPrefix   string `env:"REDIS_QUEUE_PREFIX" envDefault:"pharmaq:"`

	Queue queue.Config
	HTTP  server.Config
	Redis redisdb.Config
	Mongo mongodb.Config
	PG    pg.Config

	RateLimit ratelimiter.Config
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}

	log := newLogger(cfg)
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	closeStorage := b.close

	svc, err := queue.NewServiceFromConfig(cfg.Queue, b.storage,
		queue.WithServiceLogger(log),
		queue.WithAfterStop(closeStorage),
	)
	if err != nil {
		_ = closeStorage()
		return fmt.Errorf("failed to create queue service: %w", err)
	}

	// After-stop hooks only run for a started service.
	fail := func(err error) error {
		_ = svc.Shutdown()
		_ = closeStorage()
		return err
	}

	if err := registerHandlers(svc, log); err != nil {
		return fail(err)
	}
	if err := registerSchedules(svc); err != nil {
		return fail(err)
	}

	m, err := metrics.New(svc, metrics.WithBus(svc.Bus()), metrics.WithRuntimeMetrics())
	if err != nil {
		return fail(fmt.Errorf("failed to create metrics: %w", err))
	}
	if err := svc.Subscribe(event.Wildcard, m.EventHandler()); err != nil {
		return fail(fmt.Errorf("failed to subscribe metrics: %w", err))
	}

	stream := httpserver.NewStream(httpserver.WithStreamLogger(log))
	defer stream.Close()
	if err := svc.Subscribe(event.Wildcard, stream.EventHandler()); err != nil {
		return fail(fmt.Errorf("failed to subscribe event stream: %w", err))
	}

	apiOpts := []httpserver.Option{
		httpserver.WithLogger(log),
		httpserver.WithMetricsHandler(m.Handler()),
		httpserver.WithEventStream(stream),
		httpserver.WithReadinessChecks(b.checks...),
	}
	var runLimiter func(context.Context) func() error
	if cfg.RateLimit.Enabled {
		limiter, run, err := newEnqueueLimiter(cfg.RateLimit, b, log)
		if err != nil {
			return fail(fmt.Errorf("failed to create enqueue limiter: %w", err))
		}
		runLimiter = run
		apiOpts = append(apiOpts, httpserver.WithEnqueueLimiter(limiter))
	}

	api, err := httpserver.New(svc, apiOpts...)
	if err != nil {
		return fail(err)
	}

	srv, err := server.NewFromConfig(cfg.HTTP, server.WithLogger(log))
	if err != nil {
		return fail(err)
	}

	log.InfoContext(ctx, "starting pharmaq",
		slog.String("storage", cfg.StorageDriver),
		logger.Addr(cfg.HTTP.Addr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(srv.Run(ctx, api.Handler()))
	if runLimiter != nil {
		g.Go(runLimiter(ctx))
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("pharmaq stopped with error", logger.Error(err))
		return err
	}
	log.Info("pharmaq stopped")
	return nil
}

func newLogger(cfg appConfig) *slog.Logger {
	opts := []logger.Option{
		logger.WithLevelString(cfg.LogLevel),
		logger.WithAttr(logger.Version(version)),
		logger.WithContextExtractors(httpserver.RequestIDExtractor),
	}
	if cfg.Env == "production" {
		opts = append(opts, logger.WithProduction("pharmaq"))
	} else {
		opts = append(opts, logger.WithDevelopment("pharmaq"))
	}
	return logger.New(opts...)
}

// backend is the opened job store and what else the process needs from it.
type backend struct {
	storage queue.Storage
	checks  []health.CheckFunc
	close   func() error
	// redis is set for the redis driver and shared with the enqueue limiter.
	redis goredis.UniversalClient
}

// openStorage connects the configured job store. close releases the
// connection and runs after the service has drained.
func openStorage(ctx context.Context, cfg appConfig, log *slog.Logger) (backend, error) {
	noop := func() error { return nil }

	switch cfg.StorageDriver {
	case DriverMemory, "":
		log.Warn("using in-memory job storage; jobs are lost on restart")
		return backend{storage: queue.NewMemoryStorage(), close: noop}, nil

	case DriverRedis:
		client, err := redisdb.Connect(ctx, cfg.Redis)
		if err != nil {
			return backend{}, err
		}
		store, err := redisqueue.New(client, redisqueue.WithPrefix(cfg.RedisPrefix))
		if err != nil {
			_ = client.Close()
			return backend{}, err
		}
		return backend{
			storage: store,
			checks:  []health.CheckFunc{redisdb.Healthcheck(client)},
			close:   client.Close,
			redis:   client,
		}, nil

	case DriverMongo:
		db, err := mongodb.NewWithDatabase(ctx, cfg.Mongo, cfg.Mongo.Database)
		if err != nil {
			return backend{}, err
		}
		client := db.Client()
		store, err := mongoqueue.New(db)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return backend{}, err
		}
		disconnect := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		}
		return backend{
			storage: store,
			checks:  []health.CheckFunc{mongodb.Healthcheck(client)},
			close:   disconnect,
		}, nil

	case DriverPostgres:
		pool, err := pg.Connect(ctx, cfg.PG)
		if err != nil {
			return backend{}, err
		}
		store, err := pgqueue.New(pool,
			pgqueue.WithLogger(log),
			pgqueue.WithMigrationsTable(cfg.PG.MigrationsTable),
		)
		if err != nil {
			pool.Close()
			return backend{}, err
		}
		closePool := func() error {
			pool.Close()
			return nil
		}
		return backend{
			storage: store,
			checks:  []health.CheckFunc{pg.Healthcheck(pool)},
			close:   closePool,
		}, nil

	default:
		return backend{}, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// newEnqueueLimiter builds the per-tenant enqueue limiter. Buckets live in
// Redis when the job store does, in process otherwise. The returned run
// function drives the in-process cleanup loop and is nil for Redis.
func newEnqueueLimiter(cfg ratelimiter.Config, b backend, log *slog.Logger) (*ratelimiter.Limiter, func(context.Context) func() error, error) {
	if b.redis != nil {
		store, err := ratelimiter.NewRedisStore(b.redis)
		if err != nil {
			return nil, nil, err
		}
		l, err := ratelimiter.New(store, cfg)
		return l, nil, err
	}

	store := ratelimiter.NewMemoryStore(ratelimiter.WithMemoryStoreLogger(log))
	l, err := ratelimiter.New(store, cfg)
	if err != nil {
		return nil, nil, err
	}
	return l, store.Run, nil
}
