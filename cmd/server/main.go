/*
main.go - Application entry point

PURPOSE:
  Starts the billing engine: the ops HTTP API, the generation worker pool
  and the Sammel scheduler, in one process or split by -mode.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Open the store (sqlite, postgres or memory)
  3. Connect Redis (locks and job queue) and the event publisher
  4. Start the asynq worker and scheduler (worker, all)
  5. Start the HTTP server (api, all)
  6. Wait for SIGINT/SIGTERM and shut down in reverse order

COMMAND-LINE FLAGS:
  -config  Path to a YAML/TOML/JSON config file (optional)
  -mode    api | worker | all (default: all)

ENVIRONMENT:
  Every config key can be overridden with BILLING_<SECTION>_<KEY>,
  e.g. BILLING_REDIS_ADDR, BILLING_STORE_DRIVER, BILLING_BILLING_TAX_RATE.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting HTTP connections (30s drain)
  2. Stop the scheduler
  3. Stop the worker pool, letting running jobs finish
  4. Close publisher, Redis and database

EXAMPLES:
  ./server -config=./billing.yaml
  BILLING_STORE_DRIVER=postgres BILLING_POSTGRES_DSN=postgres://... ./server -mode=worker

SEE ALSO:
  - api/server.go: Router configuration
  - worker/generator.go: Generation jobs
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/warp/sammel-billing/api"
	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/billing/store"
	"github.com/warp/sammel-billing/config"
	"github.com/warp/sammel-billing/events"
	"github.com/warp/sammel-billing/ledger"
	"github.com/warp/sammel-billing/lock"
	"github.com/warp/sammel-billing/logger"
	"github.com/warp/sammel-billing/metrics"
	"github.com/warp/sammel-billing/snapshot"
	"github.com/warp/sammel-billing/store/postgres"
	"github.com/warp/sammel-billing/store/sqlite"
	"github.com/warp/sammel-billing/worker"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	mode := flag.String("mode", "all", "Run mode: api, worker or all")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	if err := run(cfg, *mode, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, mode string, log *slog.Logger) error {
	runAPI := mode == "api" || mode == "all"
	runWorker := mode == "worker" || mode == "all"
	if !runAPI && !runWorker {
		return fmt.Errorf("unknown mode %q", mode)
	}

	ctx := context.Background()

	// Store
	st, closeStore, health, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(reg)
	}

	// Redis: locks and queue
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}

	client := asynq.NewClient(redisOpt)
	defer client.Close()
	dispatcher := worker.NewDispatcher(client, st, worker.DispatchOptions{
		Queue:    cfg.Worker.Queue,
		MaxRetry: cfg.Worker.MaxRetry,
		Timeout:  cfg.Worker.JobTimeout,
	}, log)

	// Worker pool and scheduler
	var (
		srv       *asynq.Server
		scheduler *worker.Scheduler
	)
	if runWorker {
		pricing, err := cfg.Pricing()
		if err != nil {
			return err
		}
		publisher := newPublisher(cfg, log)
		defer publisher.Close()

		locker := lock.New(lock.NewRedis(rdb), cfg.LockOptions(), log)
		if m != nil {
			locker = locker.WithObserver(m)
		}
		gen := worker.NewGenerator(st, locker, publisher, m, log, worker.Options{
			Pricing:     pricing,
			Correction:  ledger.CorrectionOptions{ClampRemainder: cfg.Ledger.ClampCorrectionRemainder},
			MaxAttempts: cfg.Worker.MaxAttempts,
		})

		srv = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues:      map[string]int{cfg.Worker.Queue: 1},
			// Claim conflicts are expected under load, not failures. They are
			// bounded by the generator's MaxAttempts instead of MaxRetry.
			IsFailure: func(err error) bool { return !billing.IsRetryable(err) },
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Warn("task failed", "type", task.Type(), "error", err)
			}),
		})
		if err := srv.Start(worker.NewServeMux(worker.NewTaskProcessor(gen, log))); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		log.Info("worker started", "concurrency", cfg.Worker.Concurrency, "queue", cfg.Worker.Queue)

		scheduler = worker.NewScheduler(st, dispatcher, m, log)
		scheduler.Enabled = cfg.Scheduler.Enabled
		scheduler.Interval = cfg.Scheduler.Interval
		scheduler.StaleAfter = cfg.Worker.StaleClaimAfter
		scheduler.Start()
	}

	// HTTP API
	var server *http.Server
	if runAPI {
		handler := api.NewHandler(st, dispatcher, snapshot.NewParser(nil, nil), log)
		handler.Checks["store"] = health
		handler.Checks["redis"] = redisPinger{rdb}

		opts := api.RouterOptions{AccessLog: cfg.App.Env == "dev"}
		if cfg.Metrics.Enabled {
			opts.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		}

		server = &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      api.NewRouter(handler, opts),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info("http server starting", "addr", cfg.HTTP.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", "error", err)
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown", "error", err)
		}
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if srv != nil {
		srv.Shutdown()
	}

	log.Info("stopped")
	return nil
}

// openStore opens the configured store driver.
func openStore(ctx context.Context, cfg config.Config) (billing.Store, func(), api.Pinger, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, func() { s.Close() }, dbPinger{s.DB().PingContext}, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, func() { s.Close() }, s, nil
	case "memory":
		return store.NewMemory(), func() {}, dbPinger{func(context.Context) error { return nil }}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newPublisher(cfg config.Config, log *slog.Logger) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("no kafka brokers configured, logging invoice events")
		return events.NewLogPublisher(log)
	}
	return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

type dbPinger struct {
	ping func(context.Context) error
}

func (p dbPinger) Ping(ctx context.Context) error { return p.ping(ctx) }

type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
