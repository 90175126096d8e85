// Command conductord is the conductor daemon. It wires the contract
// pipeline, the task board, the automation and heartbeat gateways and the
// scheduler from a YAML config file and serves them over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/conductor/automation"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/contract"
	"github.com/GoCodeAlone/conductor/internal/version"
	"github.com/GoCodeAlone/conductor/profile"
	"github.com/GoCodeAlone/conductor/runlink"
	"github.com/GoCodeAlone/conductor/scheduler"
	"github.com/GoCodeAlone/conductor/server"
	"github.com/GoCodeAlone/conductor/server/api"
	"github.com/GoCodeAlone/conductor/task"
)

const shutdownTimeout = 10 * time.Second

var configPath = flag.String("config", "conductor.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to stat config %s: %v", *configPath, err)
	}

	logger := newLogger(os.Stdout, cfg.LogLevel)
	logger.Info("starting conductord",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("config", *configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conductord exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// run builds every component from cfg and blocks until ctx is done or a
// background loop fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pipeline, closeAudit, err := newPipeline(cfg, reg, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	bus := comms.NewInMemoryBus()

	taskStore, closeTasks, err := newTaskStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeTasks()

	board, err := task.NewBoard(pipeline,
		task.WithStore(taskStore),
		task.WithBus(bus),
		task.WithLogger(logger.With(slog.String("component", "task-board"))),
	)
	if err != nil {
		return err
	}

	linker, err := runlink.New(board, runlink.WithLogger(logger.With(slog.String("component", "run-linker"))))
	if err != nil {
		return err
	}

	resolver, err := profile.NewStaticResolver(cfg.Profiles)
	if err != nil {
		return fmt.Errorf("profiles: %w", err)
	}

	executor := newExecutor(cfg, logger)
	gwOpts := []automation.Option{
		automation.WithResolver(resolver),
		automation.WithRunLinker(linker),
		automation.WithBus(bus),
		automation.WithLogger(logger.With(slog.String("component", "automation"))),
	}
	auto, err := automation.NewGateway(pipeline, executor, gwOpts...)
	if err != nil {
		return err
	}
	heartbeat, err := automation.NewHeartbeatGateway(pipeline, executor, gwOpts...)
	if err != nil {
		return err
	}

	stateStore, closeState, err := newStateStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeState()

	sched, err := scheduler.NewGateway(pipeline,
		scheduler.WithAutomation(auto),
		scheduler.WithHeartbeat(heartbeat),
		scheduler.WithRunLinkReplayer(linker),
		scheduler.WithStateStore(stateStore),
		scheduler.WithBus(bus),
		scheduler.WithMetrics(reg),
		scheduler.WithLedgerLimit(cfg.Scheduler.LedgerLimit),
		scheduler.WithLogger(logger.With(slog.String("component", "scheduler"))),
	)
	if err != nil {
		return err
	}

	srv := server.New(*cfg, version.Version, logger.With(slog.String("component", "server")))
	srv.SetHandlers(&api.Handlers{
		Registry:   pipeline.Registry(),
		Board:      board,
		Automation: auto,
		Heartbeat:  heartbeat,
		Scheduler:  sched,
	})
	srv.SetBus(bus)
	if cfg.Telemetry.Metrics {
		srv.SetMetricsGatherer(reg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	g.Go(func() error {
		return scheduler.NewSweeper(sched, cfg.Scheduler.RetryPollInterval).Run(gctx)
	})
	if cfg.Scheduler.InboxDir != "" {
		inbox, err := scheduler.NewInbox(sched, cfg.Scheduler.InboxDir)
		if err != nil {
			return err
		}
		g.Go(func() error { return inbox.Run(gctx) })
	}
	return g.Wait()
}

// newPipeline builds the contract pipeline with logging, metrics and
// optional tracing hooks and the configured audit sink.
func newPipeline(cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*contract.Pipeline, func(), error) {
	hooks := []contract.Hook{contract.NewLoggingHook(logger.With(slog.String("component", "pipeline")))}
	if cfg.Telemetry.Metrics {
		metrics, err := contract.NewMetricsHook(reg)
		if err != nil {
			return nil, nil, fmt.Errorf("metrics hook: %w", err)
		}
		hooks = append(hooks, metrics)
	}
	if cfg.Telemetry.Tracing {
		hooks = append(hooks, contract.NewTracingHook(otel.Tracer(cfg.Telemetry.ServiceName)))
	}

	sink := contract.SlogAuditSink(logger)
	closeAudit := func() {}
	if cfg.Audit.Path != "" {
		file, err := contract.NewFileAuditSink(cfg.Audit.Path, int64(cfg.Audit.MaxSizeMB)*1024*1024)
		if err != nil {
			return nil, nil, fmt.Errorf("audit log: %w", err)
		}
		sink = contract.MultiAuditSink(sink, file)
		closeAudit = func() {
			if err := file.Close(); err != nil {
				logger.Warn("close audit log", slog.Any("err", err))
			}
		}
	}

	p, err := contract.NewPipeline(contract.NewRegistry(),
		contract.WithHooks(hooks...),
		contract.WithAuditSink(sink),
		contract.WithLogger(logger),
	)
	if err != nil {
		closeAudit()
		return nil, nil, err
	}
	return p, closeAudit, nil
}

func newTaskStore(cfg *config.Config, logger *slog.Logger) (task.Store, func(), error) {
	if cfg.TaskBoard.Store != "sqlite" {
		return task.NewMemoryStore(), func() {}, nil
	}
	store, err := task.NewSQLiteStore(cfg.TaskBoardPath(), task.WithStoreLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("task store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func newStateStore(ctx context.Context, cfg *config.Config) (scheduler.StateStore, func(), error) {
	switch cfg.Scheduler.StateStore {
	case "file":
		store, err := scheduler.NewFileStateStore(cfg.SchedulerPath())
		if err != nil {
			return nil, nil, fmt.Errorf("scheduler state store: %w", err)
		}
		return store, func() {}, nil
	case "sqlite":
		store, err := scheduler.OpenSQLiteStateStore(ctx, cfg.SchedulerPath())
		if err != nil {
			return nil, nil, fmt.Errorf("scheduler state store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return scheduler.NewMemoryStateStore(), func() {}, nil
	}
}

// executor is what both gateways need from the remote worker.
type executor interface {
	automation.Executor
	automation.HeartbeatExecutor
}

func newExecutor(cfg *config.Config, logger *slog.Logger) executor {
	if cfg.Executor.AutomationURL == "" && cfg.Executor.HeartbeatURL == "" {
		logger.Warn("no executor configured, runs are dry-run only")
		return automation.DryRunExecutor{}
	}
	return automation.NewHTTPExecutor(automation.HTTPExecutorConfig{
		AutomationURL: cfg.Executor.AutomationURL,
		HeartbeatURL:  cfg.Executor.HeartbeatURL,
		Secret:        cfg.Executor.Secret,
		Timeout:       cfg.Executor.Timeout,
	})
}
