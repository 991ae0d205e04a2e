package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arthurcrodrigues/taskfabric/internal/config"
	"github.com/arthurcrodrigues/taskfabric/internal/state"
	"github.com/arthurcrodrigues/taskfabric/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testListener(t *testing.T) (*Listener, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		SharedRoot:           root,
		Workers:              []string{"w1"},
		HealthTickSeconds:    1,
		HeartbeatIntervalSec: 1,
	}
	for _, dir := range []string{
		filepath.Join(root, "tasks", "w1"),
		filepath.Join(root, "results", "w1"),
		filepath.Join(root, "dlq", "w1"),
		filepath.Join(root, "heartbeats"),
		filepath.Join(root, "triggers", "orchestrator"),
		filepath.Join(root, "state"),
	} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	l, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return l, cfg
}

func TestListener_ClassifyHealth(t *testing.T) {
	l, cfg := testListener(t)
	interval := cfg.HeartbeatInterval()
	now := time.Now()

	assert.Equal(t, state.HealthHealthy, l.classifyHealth(now.Add(-interval)))
	assert.Equal(t, state.HealthDegraded, l.classifyHealth(now.Add(-2*interval-time.Millisecond)))
	assert.Equal(t, state.HealthUnresponsive, l.classifyHealth(now.Add(-4*interval)))
}

func TestListener_HandleResultFile_MarksTaskCompleted(t *testing.T) {
	l, cfg := testListener(t)
	result := models.TaskResult{TaskID: "task-1", Worker: "w1", FinalStatus: models.FinalCompleted}
	data, err := json.Marshal(result)
	require.NoError(t, err)

	path := filepath.Join(cfg.SharedRoot, "results", "w1", "task-1.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l.handleResultFile(path)

	entry, ok := l.store.Task("task-1")
	require.True(t, ok)
	assert.Equal(t, state.TaskCompleted, entry.State)

	triggers, err := os.ReadDir(filepath.Join(cfg.SharedRoot, "triggers", "orchestrator"))
	require.NoError(t, err)
	assert.Len(t, triggers, 1)
}

func TestListener_Reconcile_InFlightTaskFromFilesystem(t *testing.T) {
	l, cfg := testListener(t)

	taskPath := filepath.Join(cfg.SharedRoot, "tasks", "w1", "task-pending.json")
	require.NoError(t, os.WriteFile(taskPath, []byte(`{"task_id":"task-pending","worker":"w1"}`), 0o644))

	require.NoError(t, l.reconcile())

	entry, ok := l.store.Task("task-pending")
	require.True(t, ok)
	assert.Equal(t, state.TaskInFlight, entry.State)
}

func TestListener_Reconcile_CompletedTaskFromResultsDir(t *testing.T) {
	l, cfg := testListener(t)

	resultPath := filepath.Join(cfg.SharedRoot, "results", "w1", "task-done.json")
	require.NoError(t, os.WriteFile(resultPath, []byte(`{"task_id":"task-done"}`), 0o644))

	require.NoError(t, l.reconcile())

	entry, ok := l.store.Task("task-done")
	require.True(t, ok)
	assert.Equal(t, state.TaskCompleted, entry.State)
}

func TestListener_HandleTaskFile_SeedsInFlightEntry(t *testing.T) {
	l, cfg := testListener(t)

	taskPath := filepath.Join(cfg.SharedRoot, "tasks", "w1", "task-live.json")
	require.NoError(t, os.WriteFile(taskPath, []byte(`{"task_id":"task-live","worker":"w1"}`), 0o644))

	l.handleTaskFile("w1", taskPath)

	entry, ok := l.store.Task("task-live")
	require.True(t, ok)
	assert.Equal(t, state.TaskInFlight, entry.State)
	assert.Equal(t, "w1", entry.Worker)
	assert.False(t, entry.ObservedAt.IsZero())
}

func TestListener_HandleTaskFile_DoesNotResurrectTerminalTask(t *testing.T) {
	l, cfg := testListener(t)

	require.NoError(t, l.store.SetTask("task-done", state.TaskEntry{
		State:  state.TaskCompleted,
		Worker: "w1",
	}))

	taskPath := filepath.Join(cfg.SharedRoot, "tasks", "w1", "task-done.json")
	require.NoError(t, os.WriteFile(taskPath, []byte(`{"task_id":"task-done","worker":"w1"}`), 0o644))

	l.handleTaskFile("w1", taskPath)

	entry, ok := l.store.Task("task-done")
	require.True(t, ok)
	assert.Equal(t, state.TaskCompleted, entry.State, "a late task-file event must not overwrite a terminal entry")
}
