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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tidefall/steward/internal/activity"
	"github.com/tidefall/steward/internal/checkpoint"
	"github.com/tidefall/steward/internal/config"
	"github.com/tidefall/steward/internal/controlstate"
	"github.com/tidefall/steward/internal/gateway"
	otelPkg "github.com/tidefall/steward/internal/otel"
	"github.com/tidefall/steward/internal/persistence"
	"github.com/tidefall/steward/internal/sweeper"
	"github.com/tidefall/steward/internal/taskqueue"
	"github.com/tidefall/steward/internal/telemetry"
	"github.com/tidefall/steward/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the steward daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STEWARD_HOME            Data directory (default: ~/.steward)
  STEWARD_AUTH_TOKEN      Bearer token required by the gateway
  STEWARD_BIND_ADDR       Gateway listen address
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.LogFormat, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// Wiring order matters: the activity log and control store are mutually
	// interested (the log feeds the error-rate monitor, the monitor flips
	// control state), so the monitor is attached after both exist.
	activityLog := activity.NewLog(store, logger)
	controls := controlstate.NewStore(store, activityLog, logger)
	monitor := activity.NewMonitor(activityLog, controls, logger, activity.MonitorConfig{
		WindowSize: cfg.Monitor.WindowSize,
		MinEvents:  cfg.Monitor.MinEvents,
	})
	activityLog.SetMonitor(monitor)
	monitor.SetMetrics(metrics)

	checkpoints := checkpoint.NewRegistry(store, activityLog, logger)
	queue := taskqueue.New(store, controls, checkpoints, activityLog, logger, taskqueue.RetryPolicy{
		BaseDelay: cfg.RetryBase(),
		MaxDelay:  cfg.RetryMax(),
	})
	checkpoints.SetTaskResolver(queue)
	checkpoints.SetMetrics(metrics)
	queue.SetMetrics(metrics)

	if err := loadTaskSchemas(cfg.HomeDir, queue, logger); err != nil {
		fatalStartup(logger, "E_SCHEMA_LOAD", err)
	}

	sweep, err := sweeper.New(sweeper.Config{
		Checkpoints: checkpoints,
		Queue:       queue,
		Logger:      logger,
		CronExpr:    cfg.SweepCron,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweep.Start(ctx)
	defer sweep.Stop()

	pool := worker.NewPool(worker.Config{
		Queue:       queue,
		Logger:      logger,
		WorkerCount: cfg.Worker.Count,
		BatchSize:   cfg.Worker.BatchSize,
		IdleMax:     time.Duration(cfg.Worker.IdleMaxSeconds) * time.Second,
		Tracer:      otelProvider.Tracer,
	})
	registerBuiltinHandlers(pool, logger)
	pool.Start(ctx)
	defer pool.Stop()

	// Hot-reload monitor tunables on config.yaml changes.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				monitor.Reconfigure(activity.MonitorConfig{
					WindowSize: reloaded.Monitor.WindowSize,
					MinEvents:  reloaded.Monitor.MinEvents,
				})
				logger.Info("config reloaded", "fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Controls:          controls,
		Checkpoints:       checkpoints,
		Queue:             queue,
		Activity:          activityLog,
		Logger:            logger,
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_GATEWAY_SERVE", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", "error", err)
	}
	logger.Info("steward stopped")
}

// loadTaskSchemas registers JSON schemas from <home>/schemas/<task_type>.json.
// Operators drop schema files there to gate what payloads each task type
// accepts at enqueue time.
func loadTaskSchemas(homeDir string, queue *taskqueue.Queue, logger *slog.Logger) error {
	schemaDir := filepath.Join(homeDir, "schemas")
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schema dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		taskType := strings.TrimSuffix(entry.Name(), ".json")
		data, err := os.ReadFile(filepath.Join(schemaDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if err := queue.RegisterSchema(taskType, string(data)); err != nil {
			return fmt.Errorf("register schema %s: %w", taskType, err)
		}
		logger.Info("task schema registered", "task_type", taskType)
	}
	return nil
}

// registerBuiltinHandlers wires the handlers steward ships with. Real
// integrations register theirs through this pool before Start.
func registerBuiltinHandlers(pool *worker.Pool, logger *slog.Logger) {
	pool.Register("noop", func(ctx context.Context, task taskqueue.Task) (string, error) {
		logger.Debug("noop task executed", "task_id", task.ID)
		return `{"ok":true}`, nil
	})
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
