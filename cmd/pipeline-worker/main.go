// Command pipeline-worker runs the consumer pool that drains the
// user_actions, business_insights and db_sync queues, together with the
// ops endpoint serving /healthz, /stats, /dead-letters and /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/darams4863/escape-room-with-ai/internal/runtime"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/cache"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/config"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/handlers"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pipeline-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, slogger := logging.New(logging.Options{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	logger.Debug("Configuration loaded", logging.LogFields{"config": cfg.String()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := runtime.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	dlqMetrics := runtime.NewDLQMetrics(prometheus.DefaultRegisterer)
	if err := dlqMetrics.Register(); err != nil {
		return fmt.Errorf("register dead letter metrics: %w", err)
	}

	db, err := store.OpenPostgres(ctx, store.PostgresConfig{
		ConnectionString: cfg.Postgres.URL,
		MaxOpenConns:     cfg.Postgres.MaxOpenConns,
		MaxIdleConns:     cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime:  cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if cfg.Postgres.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	checks := map[string]runtime.HealthCheck{
		"postgres": func(ctx context.Context) error { return db.DB().PingContext(ctx) },
	}

	// The pipeline runs without the preference cache when Redis is down; the
	// chat backend falls back to PostgreSQL on a cache miss.
	var prefCache cache.PreferenceCache
	redisCache, err := cache.DialRedis(ctx, cfg.Redis.URL, cfg.Redis.PreferenceTTL)
	if err != nil {
		logger.Error("Redis unavailable, preference cache disabled", err, nil)
		dialErr := err
		checks["redis"] = func(context.Context) error { return dialErr }
	} else {
		defer func() { _ = redisCache.Close() }()
		prefCache = redisCache
		checks["redis"] = redisCache.Ping
	}

	manager, err := broker.NewManager(broker.Options{
		URL:       cfg.Broker.URL(),
		Heartbeat: cfg.Broker.Heartbeat,
	}, logger)
	if err != nil {
		return err
	}
	defer manager.DisconnectAll()
	if !manager.Connect(ctx, cfg.Broker.ConnectMaxRetries) {
		logger.Info("Broker unreachable at start-up, workers will keep retrying", nil)
	}

	publisher, err := runtime.NewPublisher(manager, logger, runtime.PublisherOptions{
		ConnectMaxRetries: cfg.Broker.ConnectMaxRetries,
		BreakerFailures:   cfg.Broker.BreakerFailures,
		BreakerTimeout:    cfg.Broker.BreakerTimeout,
		Metrics:           metrics,
	})
	if err != nil {
		return err
	}

	h, err := handlers.New(handlers.Options{
		Store:          db,
		Cache:          prefCache,
		Insights:       publisher,
		InlineInsights: cfg.Insights.Inline,
		InsightDays:    cfg.Insights.DefaultDays,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	pool, err := runtime.NewPool(manager, h.Routes(), logger, runtime.PoolOptions{
		Size:        cfg.Worker.Count,
		EventLogger: slogger,
		Worker: runtime.WorkerOptions{
			Prefetch:          cfg.Worker.Prefetch,
			ReconnectAttempts: cfg.Worker.ReconnectAttempts,
			ReconnectDelay:    cfg.Worker.ReconnectDelay,
			MaxRedeliveries:   cfg.Worker.MaxRedeliveries,
			HandlerTimeout:    cfg.Worker.HandlerTimeout,
			Metrics:           metrics,
			DLQMetrics:        dlqMetrics,
		},
	})
	if err != nil {
		return err
	}
	defer pool.Stop()

	poolErr := pool.ServeBackground(ctx)

	opsErr := make(chan error, 1)
	if cfg.Metrics.Enabled {
		replayer, err := runtime.NewDeadLetterReplayer(manager, logger, dlqMetrics)
		if err != nil {
			return err
		}
		ops, err := runtime.NewOpsServer(runtime.OpsOptions{
			Port:        cfg.Metrics.Port,
			Pool:        pool,
			DLQMetrics:  dlqMetrics,
			DeadLetters: replayer,
			Checks:      checks,
		}, logger)
		if err != nil {
			return err
		}
		go func() { opsErr <- ops.Serve(ctx) }()
	}

	logger.Info("Pipeline worker started", logging.LogFields{
		"workers":          cfg.Worker.Count,
		"prefetch":         cfg.Worker.Prefetch,
		"max_redeliveries": cfg.Worker.MaxRedeliveries,
	})

	waitForShutdown(ctx, stop, logger, pool.Stop, poolErr, opsErr)
	return nil
}

// waitForShutdown blocks until ctx ends or the pool or ops server stops on its
// own, then stops the pool and waits for its supervisor. The supervisor sends
// its result once and never closes the channel, so it is read at most once.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, logger logging.ServiceLogger, stopPool func(), poolErr, opsErr <-chan error) {
	poolDone := false
	select {
	case <-ctx.Done():
	case err := <-opsErr:
		if err != nil {
			logger.Error("Ops server stopped", err, nil)
		}
		cancel()
	case err := <-poolErr:
		poolDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Worker pool stopped", err, nil)
		}
		cancel()
	}

	logger.Info("Shutting down", nil)
	stopPool()
	if !poolDone {
		<-poolErr
	}
}
