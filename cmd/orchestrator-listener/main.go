// Command orchestrator-listener runs the fleet-level coordinator: it
// watches every worker's results/ and the shared heartbeats/ directory,
// tracks fleet state, classifies worker health, and detects task timeouts.
// See internal/orchestrator for the composition root.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/arthurcrodrigues/taskfabric/internal/config"
	"github.com/arthurcrodrigues/taskfabric/internal/logging"
	"github.com/arthurcrodrigues/taskfabric/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "orchestrator-listener",
	Short:   "Coordinate a fleet of worker-watchers over a shared filesystem",
	Version: fmt.Sprintf("%s (%s)", Version, Commit),
	RunE: func(cmd *cobra.Command, args []string) error {
		workersFlag, _ := cmd.Flags().GetString("workers")
		configPath, _ := cmd.Flags().GetString("config")

		var workers []string
		if workersFlag != "" {
			for _, w := range strings.Split(workersFlag, ",") {
				if w = strings.TrimSpace(w); w != "" {
					workers = append(workers, w)
				}
			}
		}

		cfg, err := config.LoadOrchestrator(workers, configPath, cmd.Flags())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stdout)
		logger.Info().Strs("workers", cfg.Workers).Str("shared_root", cfg.SharedRoot).Msg("starting orchestrator-listener")

		l, err := orchestrator.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("build listener: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := l.Run(ctx); err != nil {
			return err
		}
		logger.Info().Msg("stopped")
		return nil
	},
}

func init() {
	rootCmd.Flags().String("workers", "", "Comma-separated worker names to track; overrides ORCHESTRATOR_WORKERS / config file")
	rootCmd.Flags().String("config", "", "Directory containing config.yaml")
	rootCmd.Flags().String("log-level", "", "Log level (debug/info/warn/error); overrides ORCHESTRATOR_LOG_LEVEL / config file")
	rootCmd.Flags().String("log-format", "", "Log format (text/json); overrides ORCHESTRATOR_LOG_FORMAT / config file")
}
