package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskvault",
	Short: "Taskvault - markdown-vault LLM task orchestrator",
	Long: `Taskvault watches a cloud-synced notes vault for conversational task
files, routes each ready turn to the cheapest capable LLM backend, runs the
backend as a subprocess and writes the response back into the vault.

Concurrency, retries, rate-limit backoff, session resumption and health
monitoring run in the background.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Taskvault version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("env-file", "", "Optional env file loaded before reading configuration")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watcherCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(newCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func envFileFlag() string {
	f, _ := rootCmd.PersistentFlags().GetString("env-file")
	return f
}
