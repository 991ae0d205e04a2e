// Package orchestrator implements the fleet-level coordinator of spec.md
// §4.10: one FileWatcher per worker's results/ directory and one over
// heartbeats/, a health-classification ticker, timeout detection, and the
// restart reconciliation pass that rebuilds FleetState from ground truth.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arthurcrodrigues/taskfabric/internal/atomicfile"
	"github.com/arthurcrodrigues/taskfabric/internal/config"
	"github.com/arthurcrodrigues/taskfabric/internal/notifier"
	"github.com/arthurcrodrigues/taskfabric/internal/state"
	"github.com/arthurcrodrigues/taskfabric/internal/watch"
	"github.com/arthurcrodrigues/taskfabric/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Listener is the fleet-level coordinator.
type Listener struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *state.Store
	notify *notifier.Notifier

	taskWatchers      map[string]*watch.FileWatcher
	resultWatchers    map[string]*watch.FileWatcher
	heartbeatWatchers map[string]*watch.FileWatcher

	triggersDir string
}

// New builds a Listener. It loads the StateStore (a corrupt state file is
// archived by state.Load and logged here; Run's reconciliation rebuilds it)
// and opens a FileWatcher per worker's tasks/, results/ and dlq/
// directories plus one over the shared heartbeats/ directory.
func New(cfg *config.Config, logger zerolog.Logger) (*Listener, error) {
	orchPaths := cfg.OrchestratorPaths()

	store, err := state.Load(orchPaths.StateFile)
	if err != nil {
		var corrupt *state.ErrStateCorrupt
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		logger.Warn().Err(err).Msg("state file corrupt, starting from a fresh state")
	}

	l := &Listener{
		cfg:               cfg,
		logger:            logger,
		store:             store,
		notify:            notifier.New(cfg.NotifyWebhookURL, logger),
		taskWatchers:      make(map[string]*watch.FileWatcher),
		resultWatchers:    make(map[string]*watch.FileWatcher),
		heartbeatWatchers: make(map[string]*watch.FileWatcher),
		triggersDir:       orchPaths.TriggersOrch,
	}

	for _, worker := range cfg.Workers {
		tasksDir := filepath.Join(cfg.SharedRoot, "tasks", worker)
		if err := os.MkdirAll(tasksDir, 0o755); err != nil {
			return nil, fmt.Errorf("create tasks dir for %s: %w", worker, err)
		}
		tfw, err := watch.New(tasksDir, "*.json")
		if err != nil {
			return nil, err
		}
		l.taskWatchers[worker] = tfw

		resultsDir := filepath.Join(cfg.SharedRoot, "results", worker)
		if err := os.MkdirAll(resultsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create results dir for %s: %w", worker, err)
		}
		fw, err := watch.New(resultsDir, "*.json")
		if err != nil {
			return nil, err
		}
		l.resultWatchers[worker] = fw

		dlqDir := filepath.Join(cfg.SharedRoot, "dlq", worker)
		if err := os.MkdirAll(dlqDir, 0o755); err != nil {
			return nil, fmt.Errorf("create dlq dir for %s: %w", worker, err)
		}
		dfw, err := watch.New(dlqDir, "*.json")
		if err != nil {
			return nil, err
		}
		l.resultWatchers[worker+"/dlq"] = dfw
	}

	heartbeatsDir := filepath.Join(cfg.SharedRoot, "heartbeats")
	if err := os.MkdirAll(heartbeatsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create heartbeats dir: %w", err)
	}
	hfw, err := watch.New(heartbeatsDir, "*.json")
	if err != nil {
		return nil, err
	}
	l.heartbeatWatchers["*"] = hfw

	return l, nil
}

// Run reconciles FleetState from the filesystem, then starts every
// FileWatcher and the health/timeout ticker, blocking until ctx is
// canceled.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.reconcile(); err != nil {
		l.logger.Warn().Err(err).Msg("startup reconciliation encountered an error")
	}

	var wg sync.WaitGroup

	for worker, fw := range l.taskWatchers {
		wg.Add(1)
		go func(worker string, fw *watch.FileWatcher) {
			defer wg.Done()
			fw.Run()
		}(worker, fw)

		wg.Add(1)
		go func(worker string, fw *watch.FileWatcher) {
			defer wg.Done()
			l.consumeTasks(ctx, worker, fw)
		}(worker, fw)
	}

	for worker, fw := range l.resultWatchers {
		wg.Add(1)
		go func(worker string, fw *watch.FileWatcher) {
			defer wg.Done()
			fw.Run()
		}(worker, fw)

		wg.Add(1)
		go func(worker string, fw *watch.FileWatcher) {
			defer wg.Done()
			l.consumeResults(ctx, worker, fw)
		}(worker, fw)
	}

	for _, fw := range l.heartbeatWatchers {
		wg.Add(1)
		go func(fw *watch.FileWatcher) {
			defer wg.Done()
			fw.Run()
		}(fw)

		wg.Add(1)
		go func(fw *watch.FileWatcher) {
			defer wg.Done()
			l.consumeHeartbeats(ctx, fw)
		}(fw)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.healthAndTimeoutLoop(ctx)
	}()

	<-ctx.Done()
	for _, fw := range l.taskWatchers {
		fw.Stop()
	}
	for _, fw := range l.resultWatchers {
		fw.Stop()
	}
	for _, fw := range l.heartbeatWatchers {
		fw.Stop()
	}
	wg.Wait()
	return nil
}

// consumeTasks tracks task files appearing under one worker's tasks/
// directory after startup, seeding/refreshing a pending/in_flight
// FleetState entry for each so sweepTaskTimeouts (spec.md §4.10) can
// flag a task that stalls during normal operation, not only ones that
// were already stuck at the listener's last restart.
func (l *Listener) consumeTasks(ctx context.Context, worker string, fw *watch.FileWatcher) {
	for {
		select {
		case ev, ok := <-fw.Events():
			if !ok {
				return
			}
			l.handleTaskFile(worker, ev.Path)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) handleTaskFile(worker, path string) {
	taskID := idFromPath(path)

	if existing, ok := l.store.Task(taskID); ok &&
		existing.State != state.TaskPending && existing.State != state.TaskInFlight {
		return // already terminal; a late task-file event must not resurrect it
	}

	observedAt := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		observedAt = info.ModTime().UTC()
	}

	if err := l.store.SetTask(taskID, state.TaskEntry{
		State:      state.TaskInFlight,
		Worker:     worker,
		UpdatedAt:  time.Now().UTC(),
		ObservedAt: observedAt,
	}); err != nil {
		l.logger.Error().Err(err).Msg("failed to persist state store")
	}
}

// consumeResults processes new/rescanned result and DLQ files for one
// worker, updating FleetState and writing an idempotent trigger file.
func (l *Listener) consumeResults(ctx context.Context, worker string, fw *watch.FileWatcher) {
	for {
		select {
		case ev, ok := <-fw.Events():
			if !ok {
				return
			}
			l.handleResultFile(ev.Path)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) handleResultFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file raced away; a later rescan (or its DLQ counterpart) will cover it
	}

	var result models.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		l.logger.Warn().Str("path", path).Err(err).Msg("unreadable result file")
		return
	}

	taskState := state.TaskCompleted
	if result.FinalStatus == models.FinalDeadLettered {
		taskState = state.TaskDeadLettered
	}

	if err := l.store.SetTask(result.TaskID, state.TaskEntry{
		State:     taskState,
		Worker:    result.Worker,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		l.logger.Error().Err(err).Msg("failed to persist state store")
	}

	l.emitTrigger("task_completed", result.TaskID, map[string]interface{}{
		"task_id":      result.TaskID,
		"worker":       result.Worker,
		"final_status": result.FinalStatus,
	})
}

// consumeHeartbeats tracks heartbeat file writes and updates FleetState's
// per-worker last-observed heartbeat. Health classification itself happens
// on the ticker in healthAndTimeoutLoop, since it must fire even when no
// new heartbeat arrives (that absence is the signal).
func (l *Listener) consumeHeartbeats(ctx context.Context, fw *watch.FileWatcher) {
	for {
		select {
		case ev, ok := <-fw.Events():
			if !ok {
				return
			}
			l.handleHeartbeatFile(ev.Path)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) handleHeartbeatFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var hb models.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		l.logger.Warn().Str("path", path).Err(err).Msg("unreadable heartbeat file")
		return
	}

	prev, _ := l.store.Worker(hb.Worker)
	health := l.classifyHealth(hb.Timestamp)

	if err := l.store.SetWorker(hb.Worker, state.WorkerEntry{
		LastHeartbeat: hb,
		Health:        health,
	}); err != nil {
		l.logger.Error().Err(err).Msg("failed to persist state store")
	}

	if prev.Health != state.HealthUnresponsive && health == state.HealthUnresponsive {
		l.emitTrigger("worker_unresponsive", hb.Worker, map[string]interface{}{"worker": hb.Worker})
	}
}

// reconcile rebuilds the in-flight task view from the filesystem at
// startup: anything still sitting under a worker's tasks/ directory is
// in_flight or pending ground truth, while a matching results/ or dlq/
// file means it already reached a terminal state. Per spec.md §4.10,
// files win over whatever the StateStore last persisted.
func (l *Listener) reconcile() error {
	tasks := make(map[string]state.TaskEntry)

	for _, worker := range l.cfg.Workers {
		tasksDir := filepath.Join(l.cfg.SharedRoot, "tasks", worker)
		entries, err := os.ReadDir(tasksDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("reconcile tasks dir for %s: %w", worker, err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			taskID := idFromPath(e.Name())
			info, err := e.Info()
			observedAt := time.Now().UTC()
			if err == nil {
				observedAt = info.ModTime().UTC()
			}
			tasks[taskID] = state.TaskEntry{
				State:      state.TaskInFlight,
				Worker:     worker,
				UpdatedAt:  time.Now().UTC(),
				ObservedAt: observedAt,
			}
		}

		l.reconcileTerminal(tasks, worker, "results", state.TaskCompleted)
		l.reconcileTerminal(tasks, worker, "dlq", state.TaskDeadLettered)
	}

	return l.store.Reconcile(tasks)
}

func (l *Listener) reconcileTerminal(tasks map[string]state.TaskEntry, worker, dir string, st state.TaskState) {
	d := filepath.Join(l.cfg.SharedRoot, dir, worker)
	entries, err := os.ReadDir(d)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		taskID := idFromPath(e.Name())
		tasks[taskID] = state.TaskEntry{
			State:     st,
			Worker:    worker,
			UpdatedAt: time.Now().UTC(),
		}
	}
}

// idFromPath derives a task_id from a tasks/results/dlq filename, ignoring
// any directory components.
func idFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// classifyHealth maps a heartbeat age to healthy/degraded/unresponsive per
// spec.md §4.10.
func (l *Listener) classifyHealth(ts time.Time) state.WorkerHealth {
	age := time.Since(ts)
	interval := l.cfg.HeartbeatInterval()
	switch {
	case age < 2*interval:
		return state.HealthHealthy
	case age < 3*interval:
		return state.HealthDegraded
	default:
		return state.HealthUnresponsive
	}
}

// healthAndTimeoutLoop runs the periodic health-classification and
// in-flight-task-timeout sweep described in spec.md §4.10.
func (l *Listener) healthAndTimeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HealthTick())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweepWorkerHealth()
			l.sweepTaskTimeouts()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) sweepWorkerHealth() {
	snap := l.store.Snapshot()
	for worker, entry := range snap.Workers {
		health := l.classifyHealth(entry.LastHeartbeat.Timestamp)
		if health == entry.Health {
			continue
		}
		entry.Health = health
		if err := l.store.SetWorker(worker, entry); err != nil {
			l.logger.Error().Err(err).Msg("failed to persist state store")
		}
		if health == state.HealthUnresponsive {
			l.emitTrigger("worker_unresponsive", worker, map[string]interface{}{"worker": worker})
		}
	}
}

func (l *Listener) sweepTaskTimeouts() {
	snap := l.store.Snapshot()
	fleetTimeout := l.cfg.FleetTaskTimeout()
	now := time.Now().UTC()

	for taskID, entry := range snap.Tasks {
		if entry.State != state.TaskInFlight {
			continue
		}
		if entry.ObservedAt.IsZero() || now.Sub(entry.ObservedAt) < fleetTimeout {
			continue
		}
		entry.State = state.TaskTimedOut
		entry.UpdatedAt = now
		if err := l.store.SetTask(taskID, entry); err != nil {
			l.logger.Error().Err(err).Msg("failed to persist state store")
		}
		l.emitTrigger("task_timed_out", taskID, map[string]interface{}{"task_id": taskID, "worker": entry.Worker})
	}
}

// emitTrigger writes an idempotent trigger file (unique per event via a
// uuid suffix, per spec.md §9's Open Question on idempotency) and mirrors
// it through the optional notifier.
func (l *Listener) emitTrigger(kind, key string, payload map[string]interface{}) {
	payload["event"] = kind
	payload["emitted_at"] = time.Now().UTC()

	filename := fmt.Sprintf("%s_%s_%s.json", kind, key, uuid.NewString())
	path := filepath.Join(l.triggersDir, filename)
	if err := atomicfile.WriteJSON(path, payload); err != nil {
		l.logger.Error().Err(err).Str("trigger", filename).Msg("failed to write trigger file")
	}

	l.notify.Send(context.Background(), kind, payload)
}
