package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/config"
	"github.com/taskvault/taskvault/pkg/continuation"
	"github.com/taskvault/taskvault/pkg/health"
	"github.com/taskvault/taskvault/pkg/locks"
	"github.com/taskvault/taskvault/pkg/queue"
	"github.com/taskvault/taskvault/pkg/registry"
	"github.com/taskvault/taskvault/pkg/tokenstate"
	"github.com/taskvault/taskvault/pkg/types"
)

var newCmd = &cobra.Command{
	Use:   "new <task-name>",
	Short: "Create a task folder with a seeded first turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task := args[0]
		if !types.ValidTaskName(task) {
			return fmt.Errorf("task name %q must match [a-z0-9][a-z0-9-]*[a-z0-9]", task)
		}

		cfg, err := config.Load(envFileFlag())
		if err != nil {
			return err
		}

		dir := cfg.TaskDir(task)
		if _, err := os.Stat(dir); err == nil {
			return fmt.Errorf("task %s already exists", task)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating task dir: %w", err)
		}

		seed := fmt.Sprintf("<!-- complexity: %d -->\n\nWrite your prompt here.\n\n<User>\n", cfg.DefaultComplexity)
		path := filepath.Join(dir, fmt.Sprintf("001_%s.md", task))
		if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
			return fmt.Errorf("seeding first turn: %w", err)
		}

		fmt.Printf("Created %s\n", path)
		fmt.Println("Edit the file, keep the trailing <User> line, and the watcher will pick it up.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFileFlag())
		if err != nil {
			return err
		}

		lr, err := locks.New(cfg.StatePath("locks"))
		if err != nil {
			return err
		}
		ts := tokenstate.New(cfg.StatePath("token-state.json"))
		reg := registry.New(cfg.Backends, lr, ts)

		fmt.Println("Backends:")
		for _, name := range reg.List() {
			b, _ := reg.Get(name)
			slots, _ := reg.SlotsAvailable(name)
			line := fmt.Sprintf("  %-12s %-6s slots %d/%d", name, b.Kind, slots, b.MaxParallel)
			if resetAt, ok := ts.ResetAt(name); ok && time.Now().Before(resetAt) {
				line += fmt.Sprintf("  EXHAUSTED until %s", resetAt.Format(time.RFC3339))
			}
			if b.Kind == types.BackendLocal {
				probe := health.ForBackend(b).Check(cmd.Context())
				if probe.Healthy {
					line += "  daemon up"
				} else {
					line += fmt.Sprintf("  daemon DOWN (%s)", probe.Message)
				}
			}
			fmt.Println(line)
		}

		q, err := queue.New(cfg.StatePath("events"))
		if err == nil {
			if depth, err := q.Depth(); err == nil {
				fmt.Printf("\nQueued events: %d\n", depth)
			}
		}

		conts, err := continuation.New(cfg.StatePath("continuations"), cfg.MaxContinuations)
		if err == nil {
			if recs, err := conts.List(); err == nil && len(recs) > 0 {
				fmt.Println("\nActive continuations:")
				for _, rec := range recs {
					fmt.Printf("  %-20s count %d session %s\n", rec.Task, rec.ContinuationCount, rec.SessionID)
				}
			}
		}

		journal, err := audit.New(cfg.StateDir)
		if err == nil {
			if incomplete, err := journal.CheckIncomplete(); err == nil && len(incomplete) > 0 {
				fmt.Println("\nIncomplete invocations (unmatched START):")
				for _, task := range incomplete {
					fmt.Printf("  %s\n", task)
				}
			}
		}

		return nil
	},
}
