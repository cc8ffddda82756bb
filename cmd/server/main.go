// Command admitq-server runs the participation admission service: the HTTP
// API, the in-process queue and the worker dispatch loop.
//
// Usage:
//
//	admitq-server [--config path/to/config.yaml]
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
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/snehjoshi/admitq/internal/admission"
	"github.com/snehjoshi/admitq/internal/capacity"
	"github.com/snehjoshi/admitq/internal/capacity/redisledger"
	"github.com/snehjoshi/admitq/internal/config"
	"github.com/snehjoshi/admitq/internal/dlq"
	"github.com/snehjoshi/admitq/internal/idempotency"
	"github.com/snehjoshi/admitq/internal/ident"
	"github.com/snehjoshi/admitq/internal/lifecycle"
	"github.com/snehjoshi/admitq/internal/metrics"
	"github.com/snehjoshi/admitq/internal/query"
	"github.com/snehjoshi/admitq/internal/queue"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/storage/bolt"
	"github.com/snehjoshi/admitq/internal/storage/postgres"
	"github.com/snehjoshi/admitq/internal/storage/sqlite"
	"github.com/snehjoshi/admitq/internal/tracing"
	transphttp "github.com/snehjoshi/admitq/internal/transport/http"
	"github.com/snehjoshi/admitq/internal/types"
	"github.com/snehjoshi/admitq/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "admitq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracing := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)

	// ── 3. Resolve worker identity ───────────────────────────────────────────
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	workerID, err := ident.WorkerID(cfg.Node.DataDir, cfg.Node.WorkerID)
	if err != nil {
		return fmt.Errorf("init worker id: %w", err)
	}

	slog.Info("admitq starting",
		"worker_id", workerID,
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", cfg.Node.DataDir,
		"store", cfg.Store.Backend,
		"capacity", cfg.Capacity.Backend,
	)

	// ── 4. Open storage ──────────────────────────────────────────────────────
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	store, storeReady, err := openStore(startCtx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	var counters storage.CapacityStore = store
	ready := storeReady
	if cfg.Capacity.Backend == config.CapacityRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Capacity.RedisAddr,
			Password: cfg.Capacity.RedisPassword,
			DB:       cfg.Capacity.RedisDB,
		})
		defer rdb.Close()
		rl := redisledger.New(rdb, redisledger.WithPrefix(cfg.Capacity.RedisPrefix))
		if err := rl.Ping(startCtx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		counters = rl
		ready = both(storeReady, rl.Ping)
	}

	// ── 5. Open the participation queue ──────────────────────────────────────
	qopts := []queue.Option{queue.WithLogger(logger)}
	if path := cfg.JournalPath(); path != "" {
		j, err := queue.OpenJournal(path)
		if err != nil {
			return fmt.Errorf("open queue journal: %w", err)
		}
		qopts = append(qopts, queue.WithJournal(j))
	}
	qcfg := queue.DefaultConfig()
	qcfg.VisibilityTimeout = cfg.Queue.VisibilityTimeout()
	qcfg.MaxReceives = cfg.Queue.MaxReceives
	qcfg.MaxMessageBytes = cfg.Queue.MaxMessageSizeKB << 10
	qcfg.MaxMessages = cfg.Queue.MaxMessages
	qcfg.MaxBatchSize = cfg.Queue.MaxBatchSize
	q, err := queue.New(qcfg, qopts...)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	// ── 6. Metrics and domain components ─────────────────────────────────────
	reg := &metrics.Registry{}
	reg.Gauge("queue_depth", "Messages waiting to be received.", func() int64 { return int64(q.Len()) })
	reg.Gauge("queue_in_flight", "Messages received but not yet acked.", func() int64 { return int64(q.InFlightCount()) })
	reg.Gauge("queue_dead_letters", "Messages that exhausted their receive budget.", func() int64 { return int64(q.DeadLetterCount()) })

	machine := lifecycle.New(store, lifecycle.WithObserver(func(e lifecycle.Edge, r lifecycle.Result) {
		reg.Transitions.Inc(metrics.TransitionKey(e.String(), r.String()))
	}))
	ledger := capacity.New(counters)

	kinds, err := kindResolver(cfg.Admission.EventKind, ledger)
	if err != nil {
		return err
	}
	coord := admission.New(idempotency.New(store), machine, q,
		admission.WithKindResolver(kinds),
		admission.WithLogger(logger),
		admission.WithMetrics(reg),
	)

	// ── 7. Start the worker dispatch loop ────────────────────────────────────
	loop := worker.New(q, machine, ledger, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		BatchSize:         cfg.Worker.BatchSize,
		PollWait:          cfg.Worker.PollWait(),
		HeartbeatInterval: cfg.Worker.HeartbeatInterval(),
		StrandedAfter:     cfg.Worker.StrandedAfter(qcfg.VisibilityTimeout),
		FinishTimeout:     cfg.Worker.FinishTimeout(),
	},
		worker.WithWorkerID(workerID),
		worker.WithLogger(logger),
		worker.WithMetrics(reg),
	)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- loop.Run(workerCtx) }()

	// ── 8. Start HTTP / WebSocket transport ──────────────────────────────────
	var httpMetrics *metrics.Registry
	if cfg.Metrics.Enabled {
		httpMetrics = reg
	}
	srv := transphttp.New(transphttp.Deps{
		Admitter:    coord,
		Query:       query.New(store, ledger),
		Ledger:      ledger,
		DeadLetters: dlq.NewManager(q, machine, logger),
		Metrics:     httpMetrics,
		Ready:       ready,
		Logger:      logger,
	}, transphttp.Options{
		AuthEnabled:      cfg.Auth.Enabled,
		APIKey:           cfg.Auth.APIKey,
		RatePerRequester: cfg.Admission.RatePerRequester,
		Burst:            cfg.Admission.Burst,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("admitq ready", "worker_id", workerID, "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 9. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, reg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 10. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-workerDone:
		if err != nil {
			runErr = fmt.Errorf("worker loop: %w", err)
		}
		workerDone <- nil
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	stopWorkers()
	if err := <-workerDone; err != nil {
		slog.Warn("worker loop error", "err", err)
	}
	if err := q.Close(); err != nil {
		slog.Warn("queue close error", "err", err)
	}
	if err := shutdownTracing(shutCtx); err != nil {
		slog.Warn("tracing shutdown error", "err", err)
	}

	slog.Info("admitq stopped")
	return runErr
}

// openStore opens the configured backend. The returned ready func is nil for
// embedded stores.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(context.Context) error, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.StorePath())
		return s, nil, err
	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return s, s.Ping, nil
	default:
		s, err := bolt.Open(cfg.StorePath())
		return s, nil, err
	}
}

func kindResolver(setting string, ledger *capacity.Ledger) (admission.KindResolver, error) {
	if setting == "" || strings.EqualFold(setting, "auto") {
		return admission.LedgerKinds{Ledger: ledger}, nil
	}
	k, err := types.ParseEventKind(strings.ToUpper(setting))
	if err != nil {
		return nil, fmt.Errorf("admission.event_kind: %w", err)
	}
	return admission.FixedKind(k), nil
}

func both(a, b func(context.Context) error) func(context.Context) error {
	if a == nil {
		return b
	}
	return func(ctx context.Context) error {
		if err := a(ctx); err != nil {
			return err
		}
		return b(ctx)
	}
}
