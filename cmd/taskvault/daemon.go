package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/config"
	"github.com/taskvault/taskvault/pkg/continuation"
	"github.com/taskvault/taskvault/pkg/locks"
	"github.com/taskvault/taskvault/pkg/log"
	"github.com/taskvault/taskvault/pkg/metrics"
	"github.com/taskvault/taskvault/pkg/notify"
	"github.com/taskvault/taskvault/pkg/queue"
	"github.com/taskvault/taskvault/pkg/registry"
	"github.com/taskvault/taskvault/pkg/scheduler"
	"github.com/taskvault/taskvault/pkg/session"
	"github.com/taskvault/taskvault/pkg/supervisor"
	"github.com/taskvault/taskvault/pkg/tokenstate"
	"github.com/taskvault/taskvault/pkg/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor (watcher + scheduler)",
	Long: `Start the supervisor, which launches the watcher and scheduler as
child processes, restarts them when they die, and tears everything down
cleanly on SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFileFlag())
		if err != nil {
			return err
		}

		notif := notify.NewDispatcher(notify.FromEnv())
		notif.Start()
		defer notif.Stop()

		if cfg.MetricsAddr != "" {
			go func() {
				if err := metrics.Serve(cfg.MetricsAddr); err != nil {
					logger := log.WithComponent("metrics")
					logger.Error().Err(err).Msg("Metrics listener failed")
				}
			}()
		}

		sup, err := supervisor.New(cfg, notif)
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger := log.WithComponent("supervisor")
			logger.Info().Msg("Shutdown signal received")
			sup.Shutdown()
		}()

		return sup.Run()
	},
}

var watcherCmd = &cobra.Command{
	Use:   "watcher",
	Short: "Run the vault watcher process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFileFlag())
		if err != nil {
			return err
		}
		if err := supervisor.EnsureStateDirs(cfg); err != nil {
			return err
		}
		if _, err := os.Stat(cfg.VaultDir); err != nil {
			return fmt.Errorf("vault dir: %w", err)
		}

		q, err := queue.New(cfg.StatePath("events"))
		if err != nil {
			return err
		}

		w := watcher.New(cfg, q)
		if err := w.Start(); err != nil {
			return err
		}

		waitForSignal()
		w.Stop()
		return nil
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFileFlag())
		if err != nil {
			return err
		}
		if err := supervisor.EnsureStateDirs(cfg); err != nil {
			return err
		}

		q, err := queue.New(cfg.StatePath("events"))
		if err != nil {
			return err
		}
		lr, err := locks.New(cfg.StatePath("locks"))
		if err != nil {
			return err
		}
		ts := tokenstate.New(cfg.StatePath("token-state.json"))
		if err := ts.Init(); err != nil {
			return err
		}
		sess, err := session.New(cfg.StatePath("sessions"))
		if err != nil {
			return err
		}
		conts, err := continuation.New(cfg.StatePath("continuations"), cfg.MaxContinuations)
		if err != nil {
			return err
		}
		journal, err := audit.New(cfg.StateDir)
		if err != nil {
			return err
		}
		cache, err := registry.NewComplexityCache(cfg.StatePath("complexity"))
		if err != nil {
			return err
		}
		reg := registry.New(cfg.Backends, lr, ts)

		notif := notify.NewDispatcher(notify.FromEnv())
		notif.Start()
		defer notif.Stop()

		sched, err := scheduler.New(cfg, q, reg, lr, ts, sess, conts, journal, cache, notif)
		if err != nil {
			return err
		}
		sched.Start()

		waitForSignal()
		sched.Stop()
		return nil
	},
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
