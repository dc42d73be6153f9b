package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	logger *slog.Logger

	// Global flags.
	jsonOut bool
	tenant  string
)

var rootCmd = &cobra.Command{
	Use:   "converge",
	Short: "Merge coordination engine",
	Long: `converge validates merge intents against simulation, checks, risk,
coherence and policy gates, and drains the resulting merge queue in
priority order. Every decision is recorded on an append-only event log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; production sets real environment variables.
		_ = godotenv.Load()

		level := slog.LevelInfo
		if os.Getenv("CONVERGE_LOG_LEVEL") == "debug" {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit JSON instead of human-readable output")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant scope for multi-tenant deployments")

	rootCmd.AddCommand(intentCmd)
	rootCmd.AddCommand(intakeCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(coherenceCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(flagsCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the converge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("converge", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
