package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorker_Defaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("WATCHER_SHARED_ROOT", root)

	cfg, err := LoadWorker("worker-a", "", nil)
	require.NoError(t, err)

	assert.Equal(t, "worker-a", cfg.WorkerName)
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.Equal(t, 600, cfg.TaskTimeoutSeconds)
	assert.Equal(t, 5, cfg.CircuitFailureThreshold)

	assert.DirExists(t, filepath.Join(root, "tasks", "worker-a"))
	assert.DirExists(t, filepath.Join(root, "results", "worker-a"))
	assert.DirExists(t, filepath.Join(root, "dlq", "worker-a"))
}

func TestLoadWorker_CLIFlagsOutrankDefaults(t *testing.T) {
	t.Setenv("WATCHER_SHARED_ROOT", t.TempDir())

	flags := pflag.NewFlagSet("worker-watcher", pflag.ContinueOnError)
	flags.Int("max-concurrent", 3, "")
	flags.String("log-level", "info", "")
	flags.String("log-format", "text", "")
	require.NoError(t, flags.Set("max-concurrent", "7"))
	require.NoError(t, flags.Set("log-level", "debug"))
	require.NoError(t, flags.Set("log-format", "json"))

	cfg, err := LoadWorker("worker-a", "", flags)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxConcurrentTasks)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadWorker_MissingWorkerNameErrors(t *testing.T) {
	t.Setenv("WATCHER_SHARED_ROOT", t.TempDir())

	_, err := LoadWorker("", "", nil)
	require.Error(t, err)
	var invalid *InvalidConfig
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "worker_name", invalid.Field)
}

func TestLoadOrchestrator_RequiresAtLeastOneWorker(t *testing.T) {
	t.Setenv("ORCHESTRATOR_SHARED_ROOT", t.TempDir())

	_, err := LoadOrchestrator(nil, "", nil)
	require.Error(t, err)
	var invalid *InvalidConfig
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "workers", invalid.Field)
}

func TestLoadOrchestrator_CreatesTriggerAndStateDirs(t *testing.T) {
	root := t.TempDir()
	t.Setenv("ORCHESTRATOR_SHARED_ROOT", root)

	cfg, err := LoadOrchestrator([]string{"w1", "w2"}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"w1", "w2"}, cfg.Workers)
	assert.DirExists(t, filepath.Join(root, "triggers", "orchestrator"))
	assert.DirExists(t, filepath.Join(root, "state"))
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := &Config{
		TaskTimeoutSeconds:     30,
		InitialRetryDelaySec:   1.5,
		RetryMaxDelaySec:       60,
		CircuitOpenDurationSec: 90,
		HeartbeatIntervalSec:   10,
		FleetTaskTimeoutSec:    0,
	}

	assert.Equal(t, 30*time.Second, cfg.TaskTimeout())
	assert.Equal(t, 1500*time.Millisecond, cfg.InitialRetryDelay())
	assert.Equal(t, 90*time.Second, cfg.CircuitOpenDuration())
	assert.Equal(t, 60*time.Second, cfg.TaskTimeout()*2, "sanity check against FleetTaskTimeout's default")
	assert.Equal(t, cfg.TaskTimeout()*2, cfg.FleetTaskTimeout(), "defaults to 2x task_timeout when unset")
}
