// Command fabricd is the fabric's daemon entrypoint: it loads config,
// opens the store, and wires bus → dispatcher → worker pool → execution
// loop → session → cron scheduler → channels → gateway → otel, then
// blocks until signaled to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/taskfabric/fabric/internal/bus"
	"github.com/taskfabric/fabric/internal/channels"
	"github.com/taskfabric/fabric/internal/config"
	"github.com/taskfabric/fabric/internal/cron"
	"github.com/taskfabric/fabric/internal/dispatcher"
	"github.com/taskfabric/fabric/internal/execloop"
	"github.com/taskfabric/fabric/internal/gateway"
	otelpkg "github.com/taskfabric/fabric/internal/otel"
	"github.com/taskfabric/fabric/internal/queue"
	"github.com/taskfabric/fabric/internal/runner"
	"github.com/taskfabric/fabric/internal/session"
	"github.com/taskfabric/fabric/internal/store"
	"github.com/taskfabric/fabric/internal/worker"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                Start the daemon (dispatcher, worker pool, cron, channels, gateway)
  %s status         Poll a running daemon's /healthz and print its body
  %s status -watch  Live terminal dashboard of queue/inflight state

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: $FABRIC_HOME/config.yaml)")
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
			os.Exit(runStatusCommand(ctx, *configPath, args[1:]))
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "db_path", cfg.DBPath)

	eventBus := bus.New(logger)

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.Otel.Enabled,
		Exporter:       cfg.Otel.Exporter,
		Endpoint:       cfg.Otel.Endpoint,
		ServiceName:    cfg.Otel.ServiceName,
		SampleRate:     cfg.Otel.SampleRate,
		MetricsEnabled: cfg.Otel.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	q := queue.New(cfg.WorkQueueCapacity)

	disp := dispatcher.New(st, q, dispatcher.Config{
		WorkerCount:      cfg.WorkerCount,
		ClaimTTLSeconds:  cfg.ClaimTTLSeconds,
		WorkerTimeout:    time.Duration(cfg.WorkerTimeoutSeconds) * time.Second,
		WorkQueueTimeout: time.Duration(cfg.WorkQueueTimeoutSeconds) * time.Second,
		Log:              logger,
		Metrics:          metrics,
		Tracer:           otelProvider.Tracer,
	})

	// The main runner (ToolLoopRunner) is the same Runner implementation
	// the worker pool uses. The LLM/tool collaborators are external and
	// left nil here, so any task routed through it fails with a coded
	// RUNNER_EXCEPTION rather than panicking; a caller supplying those
	// collaborators would pass them via runner.Context.
	mainRunner := &runner.ToolLoopRunner{}
	workerRunner := &runner.ToolLoopRunner{}

	pool := worker.New(st, q, workerRunner, worker.Config{
		WorkerCount:  cfg.WorkerCount,
		HeartbeatTTL: cfg.ClaimTTLSeconds,
		Log:          logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	})

	loop := execloop.New(execloop.Config{
		PollInterval: cfg.PollInterval(),
		Log:          logger,
	}, disp)

	sess := session.New(st, mainRunner, disp, pool, loop, session.Config{
		ClaimTTLSeconds:   cfg.ClaimTTLSeconds,
		MainRunnerTimeout: time.Duration(cfg.MainRunnerTimeoutSeconds) * time.Second,
		Log:               logger,
	})

	sess.StartWorkers(ctx)
	defer sess.StopWorkers()
	logger.Info("startup phase", "phase", "dispatch_loop_started")

	cronSched := cron.NewScheduler(cron.Config{Store: st, Logger: logger})
	if err := seedCronSchedules(ctx, st, cfg.Cron, logger); err != nil {
		logger.Error("seeding cron schedules from config", "error", err)
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	watchPath := *configPath
	if watchPath == "" {
		watchPath = filepath.Join(config.HomeDir(), "config.yaml")
	}
	watcher := config.NewWatcher(watchPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot-reload unavailable", "path", watchPath, "error", err)
	} else {
		go reloadOnConfigChange(ctx, watcher, watchPath, st, disp, logger)
	}

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg, err := channels.NewTelegramChannel(channels.Config{
				Token:          cfg.Telegram.Token,
				ChatID:         cfg.Telegram.ChatID,
				AllowedUserIDs: cfg.Telegram.AllowedIDs,
				Logger:         logger,
			}, sessionAdapter{sess})
			if err != nil {
				logger.Error("telegram channel init failed", "error", err)
			} else {
				go tg.Run(ctx)
			}
		}
	}

	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.Gateway.Enabled {
		gw := gateway.New(gateway.Config{
			Store:        st,
			Dispatcher:   disp,
			AuthToken:    cfg.Gateway.AuthToken,
			AllowOrigins: cfg.Gateway.AllowOrigins,
			Logger:       logger,
		})
		addr := cfg.Gateway.Addr
		if addr == "" {
			addr = "127.0.0.1:18790"
		}
		server = &http.Server{Addr: addr, Handler: gw.Handler()}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", err)
		}
		go func() {
			logger.Info("gateway listening", "addr", addr, "ws", "/ws")
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	logger.Info("shutdown complete")
}

// sessionAdapter satisfies channels.Sender by translating
// session.MessageResult into channels.SessionResult, the one shape
// mismatch between the two packages (session intentionally doesn't
// import channels, and channels intentionally doesn't import session,
// per the channels package's Sender doc comment).
type sessionAdapter struct {
	s *session.Session
}

func (a sessionAdapter) SendMessage(ctx context.Context, userMessage string) channels.SessionResult {
	r := a.s.SendMessage(ctx, userMessage)
	return channels.SessionResult{Success: r.Success, Output: r.Output, Error: r.Error}
}

func (a sessionAdapter) DrainNotifications(ctx context.Context) ([]string, error) {
	return a.s.DrainNotifications(ctx)
}

// reloadOnConfigChange re-reads the config file on every watcher event
// and applies the settings that can change at runtime: the dispatcher's
// worker-count bound and newly added cron entries. Timeouts, the db
// path, and channel/gateway wiring stay as loaded at startup; changing
// those still takes a restart.
func reloadOnConfigChange(ctx context.Context, watcher *config.Watcher, path string, st *store.Store, disp *dispatcher.Dispatcher, logger *slog.Logger) {
	for range watcher.Events() {
		newCfg, err := config.Load(path)
		if err != nil {
			logger.Error("config reload failed, keeping previous config", "path", path, "error", err)
			continue
		}
		disp.SetWorkerCount(newCfg.WorkerCount)
		if err := seedCronSchedules(ctx, st, newCfg.Cron, logger); err != nil {
			logger.Error("config reload: seeding cron schedules", "error", err)
		}
		logger.Info("config reloaded", "worker_count", newCfg.WorkerCount, "cron_entries", len(newCfg.Cron))
	}
}

// seedCronSchedules installs every configured cron entry as a
// store.Schedule, skipping names already present so restarts don't
// duplicate schedules or reset their next_run_at.
func seedCronSchedules(ctx context.Context, st *store.Store, entries []config.CronEntry, logger *slog.Logger) error {
	if len(entries) == 0 {
		return nil
	}
	existing, err := st.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list existing schedules: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, sc := range existing {
		have[sc.Name] = true
	}
	now := time.Now().UTC()
	for _, e := range entries {
		if have[e.Name] {
			continue
		}
		nextRun, err := cron.NextRunTime(e.CronExpr, now)
		if err != nil {
			logger.Error("cron: invalid cron_expr in config, skipping", "name", e.Name, "cron_expr", e.CronExpr, "error", err)
			continue
		}
		if _, err := st.ScheduleCreate(ctx, e.Name, e.CronExpr, e.TaskType, e.Payload, nextRun); err != nil {
			logger.Error("cron: failed to seed schedule from config", "name", e.Name, "error", err)
			continue
		}
		logger.Info("cron: schedule seeded from config", "name", e.Name, "next_run_at", nextRun)
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
