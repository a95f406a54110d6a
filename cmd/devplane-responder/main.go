// Package main runs the prompt auto-responder as a standalone process. It
// watches tmux panes for interactive agent prompts and answers them from the
// learned pattern store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/daemon"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/flock"
	"github.com/devplane/devplane/internal/responder"
	"github.com/devplane/devplane/internal/tmux"
)

func main() {
	var (
		daemonize  = flag.Bool("daemon", false, "run in the background")
		stop       = flag.Bool("stop", false, "stop the running responder")
		status     = flag.Bool("status", false, "report responder status")
		configPath = flag.String("config", "", "config file directory")
		stateDir   = flag.String("state-dir", "", "directory for pid and state files")
	)
	flag.Parse()

	ctl, err := daemon.New("devplane-responder", *stateDir)
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

	err = run(*configPath, ctl)
	ctl.ReleasePID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "devplane-responder: %v\n", err)
		// A lock timeout means another responder already owns the panes.
		if errors.Is(err, flock.ErrLockTimeout) {
			os.Exit(daemon.ExitAlreadyRunning)
		}
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	store, err := responder.OpenPatternStore(cfg.Responder.PatternDBPath, cfg.Database.BusyTimeoutSeconds)
	if err != nil {
		return fmt.Errorf("failed to open pattern store: %w", err)
	}
	defer store.Close()

	locks, err := flock.NewManager(cfg.Locks.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to initialize lock manager: %w", err)
	}

	svc := responder.NewService(store, tmux.NewClient(log), eventBus, locks,
		cfg.Responder, cfg.Dispatcher.ExcludedSessions, log)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	log.Info("responder started",
		zap.String("pattern_db", cfg.Responder.PatternDBPath),
		zap.Int("check_interval_ms", cfg.Responder.CheckIntervalMS))

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("responder shutting down")
			return nil
		case <-ticker.C:
			if err := ctl.WriteState(map[string]interface{}{
				"pattern_db": cfg.Responder.PatternDBPath,
			}); err != nil {
				log.Warn("failed to write daemon state", zap.Error(err))
			}
		}
	}
}
