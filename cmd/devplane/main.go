// Package main is the unified devplane daemon: task queue, session
// dispatcher, webhook delivery, watcher notifications, snapshots, and the
// operator HTTP API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/daemon"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/common/tracing"
	"github.com/devplane/devplane/internal/db"
	"github.com/devplane/devplane/internal/dispatcher"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/flock"
	"github.com/devplane/devplane/internal/notify"
	"github.com/devplane/devplane/internal/queue"
	"github.com/devplane/devplane/internal/responder"
	"github.com/devplane/devplane/internal/rollback"
	"github.com/devplane/devplane/internal/server"
	"github.com/devplane/devplane/internal/storage"
	"github.com/devplane/devplane/internal/tmux"
	"github.com/devplane/devplane/internal/watcher"
	"github.com/devplane/devplane/internal/webhook"
)

func main() {
	var (
		daemonize  = flag.Bool("daemon", false, "run in the background")
		stop       = flag.Bool("stop", false, "stop the running daemon")
		status     = flag.Bool("status", false, "report daemon status")
		configPath = flag.String("config", "", "config file directory")
		stateDir   = flag.String("state-dir", "", "directory for pid and state files")
	)
	flag.Parse()

	ctl, err := daemon.New("devplane", *stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(daemon.ExitUsage)
	}
	if *stop {
		os.Exit(ctl.Stop())
	}
	if *status {
		os.Exit(ctl.Status())
	}
	if *daemonize && !daemon.Detached() {
		if err := ctl.Detach(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(daemon.ExitUsage)
		}
		os.Exit(daemon.ExitOK)
	}

	stale, err := ctl.AcquirePID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(daemon.ExitAlreadyRunning)
	}
	if stale {
		fmt.Fprintln(os.Stderr, "cleaned up stale pid file from a previous run")
	}

	err = run(*configPath, ctl)
	ctl.ReleasePID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "devplane: %v\n", err)
		os.Exit(daemon.ExitUsage)
	}
	if stale {
		os.Exit(daemon.ExitStaleCleanup)
	}
}

func run(configPath string, ctl *daemon.Control) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing reads OTEL_EXPORTER_OTLP_ENDPOINT lazily on first span.
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	}
	defer tracing.Shutdown(context.Background())

	// Event bus: NATS when configured, in-process otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	store, err := storage.New(pool)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	log.Info("storage initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))

	locks, err := flock.NewManager(cfg.Locks.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to initialize lock manager: %w", err)
	}

	q := queue.NewService(store, eventBus, locks, cfg.Queue, log)
	if cfg.Database.OverflowPath != "" {
		spill, err := queue.NewOverflowStore(cfg.Database.OverflowPath, log)
		if err != nil {
			return fmt.Errorf("failed to open overflow store: %w", err)
		}
		q.SetOverflow(spill)
		log.Info("queue overflow enabled", zap.String("path", cfg.Database.OverflowPath))
	}
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue service: %w", err)
	}
	defer q.Stop()

	hooks := webhook.NewDispatcher(store, eventBus, cfg.Webhooks, log)
	if err := hooks.Start(ctx); err != nil {
		return fmt.Errorf("failed to start webhook dispatcher: %w", err)
	}
	defer hooks.Stop()

	hub := notify.NewHub(log)
	go hub.Run(ctx)

	watch := watcher.NewService(store, eventBus, hub, log)
	if err := watch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher service: %w", err)
	}
	defer watch.Stop()

	disp := dispatcher.NewService(q, store, tmux.NewClient(log), eventBus, cfg.Dispatcher, log)
	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer disp.Stop("process exit")

	var snapshots *rollback.Manager
	var monitor *rollback.Monitor
	if cfg.Database.Driver == "sqlite" {
		snapshots, err = rollback.NewManager(cfg.Snapshots, cfg.Database.Path, log)
		if err != nil {
			return fmt.Errorf("failed to initialize snapshot manager: %w", err)
		}
		monitor = rollback.NewMonitor(snapshots, log)
		if err := monitor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start health monitor: %w", err)
		}
		defer monitor.Stop()
	} else {
		log.Info("snapshots disabled, file snapshots require the sqlite driver")
	}

	var patterns *responder.PatternStore
	if cfg.Responder.PatternDBPath != "" {
		patterns, err = responder.OpenPatternStore(cfg.Responder.PatternDBPath, cfg.Database.BusyTimeoutSeconds)
		if err != nil {
			return fmt.Errorf("failed to open pattern store: %w", err)
		}
		defer patterns.Close()
	}

	api := server.NewServer(cfg.Server, cfg.Auth, server.Deps{
		Queue:      q,
		Store:      store,
		Webhooks:   hooks,
		Patterns:   patterns,
		Snapshots:  snapshots,
		Dispatcher: disp,
		Hub:        hub,
	}, log)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return api.Start(groupCtx)
	})
	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				stats, err := q.Stats()
				if err != nil {
					continue
				}
				fields := map[string]interface{}{
					"sessions":   len(disp.Sessions()),
					"ws_clients": hub.ClientCount(),
				}
				for status, n := range stats {
					fields["tasks_"+string(status)] = n
				}
				if err := ctl.WriteState(fields); err != nil {
					log.Warn("failed to write daemon state", zap.Error(err))
				}
			}
		}
	})

	log.Info("devplane started",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))
	return group.Wait()
}
