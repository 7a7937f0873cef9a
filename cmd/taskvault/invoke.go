package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/config"
	"github.com/taskvault/taskvault/pkg/invoker"
	"github.com/taskvault/taskvault/pkg/types"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Run one backend invocation (spawned by the scheduler)",
	Long: `Execute a single backend invocation against a task turn file.

Normally spawned by the scheduler; the stdout protocol (SESSION_ID:,
TURNS_USED:, TOKEN_EXHAUSTED:) and the exit code are the contract back to
it. Exit codes: 0 success, 1 argument error, 2 local daemon down, 10 rate
limited, anything else propagated from the backend.`,
	Run: func(cmd *cobra.Command, args []string) {
		backendName, _ := cmd.Flags().GetString("backend")
		taskDir, _ := cmd.Flags().GetString("task-dir")
		input, _ := cmd.Flags().GetString("input")
		output, _ := cmd.Flags().GetString("output")
		resume, _ := cmd.Flags().GetString("resume")
		maxTurns, _ := cmd.Flags().GetInt("max-turns")
		complexity, _ := cmd.Flags().GetInt("complexity")
		stateDir, _ := cmd.Flags().GetString("state-dir")

		cfg, err := config.Load(envFileFlag())
		if err != nil {
			os.Exit(types.ExitUsage)
		}
		if stateDir == "" {
			stateDir = cfg.StateDir
		}
		if maxTurns <= 0 {
			maxTurns = cfg.DefaultMaxTurns
		}

		var backend types.Backend
		found := false
		for _, b := range cfg.Backends {
			if b.Name == backendName {
				backend = b
				found = true
				break
			}
		}
		if !found {
			os.Exit(types.ExitUsage)
		}

		req := invoker.Request{
			Backend:       backend,
			TaskDir:       taskDir,
			InputFile:     input,
			OutputFile:    output,
			ResumeSession: resume,
			MaxTurns:      maxTurns,
			Complexity:    types.Complexity(complexity),
			StateDir:      stateDir,
		}

		outcome := invoker.AdapterFor(backend).Invoke(req)
		invoker.EmitProtocol(os.Stdout, outcome)
		os.Exit(outcome.ExitCode)
	},
}

func init() {
	invokeCmd.Flags().String("backend", "", "Backend name to invoke")
	invokeCmd.Flags().String("task-dir", "", "Task directory in the vault")
	invokeCmd.Flags().String("input", "", "Input turn filename")
	invokeCmd.Flags().String("output", "", "Output turn filename")
	invokeCmd.Flags().String("resume", "", "Session id to resume")
	invokeCmd.Flags().Int("max-turns", 0, "Max backend turns for this invocation")
	invokeCmd.Flags().Int("complexity", int(types.ComplexityHosted), "Resolved task complexity (1-3)")
	invokeCmd.Flags().String("state-dir", "", "State directory override")
	_ = invokeCmd.MarkFlagRequired("backend")
	_ = invokeCmd.MarkFlagRequired("task-dir")
	_ = invokeCmd.MarkFlagRequired("input")
	_ = invokeCmd.MarkFlagRequired("output")
}
