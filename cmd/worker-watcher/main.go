// Command worker-watcher runs a single worker's event loop: it watches a
// tasks/ directory for new work and executes each task to completion,
// publishing heartbeats and Prometheus metrics as it goes. See
// internal/worker for the composition root.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arthurcrodrigues/taskfabric/internal/config"
	"github.com/arthurcrodrigues/taskfabric/internal/logging"
	"github.com/arthurcrodrigues/taskfabric/internal/worker"
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
	Use:     "worker-watcher <worker>",
	Short:   "Watch a filesystem task queue and execute tasks for one worker",
	Version: fmt.Sprintf("%s (%s)", Version, Commit),
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workerName := args[0]
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.LoadWorker(workerName, configPath, cmd.Flags())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stdout)
		logger.Info().Str("worker", cfg.WorkerName).Str("shared_root", cfg.SharedRoot).Msg("starting worker-watcher")

		w, err := worker.New(cfg, logger, nil)
		if err != nil {
			return fmt.Errorf("build watcher: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return w.Run(ctx)
	},
}

func init() {
	rootCmd.Flags().String("config", "", "Directory containing config.yaml")
	rootCmd.Flags().Int("max-concurrent", 0, "Maximum concurrent in-flight tasks; overrides WATCHER_MAX_CONCURRENT_TASKS / config file")
	rootCmd.Flags().String("log-level", "", "Log level (debug/info/warn/error); overrides WATCHER_LOG_LEVEL / config file")
	rootCmd.Flags().String("log-format", "", "Log format (text/json); overrides WATCHER_LOG_FORMAT / config file")
}
