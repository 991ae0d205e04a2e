// Package state implements the orchestrator's atomic JSON persistence of
// fleet-aggregate state, per spec.md §4.11. It builds on the same
// tmp-then-rename discipline as internal/atomicfile (itself generalized
// from the teacher's file-move pattern in internal/transcoder/transcoder.go)
// and, on load, treats a malformed file the way
// akatz-ai-meow/internal/orchestrator/state.go treats a corrupt lock file:
// archive it and start clean rather than propagate the corruption forward.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arthurcrodrigues/taskfabric/internal/atomicfile"
	"github.com/arthurcrodrigues/taskfabric/pkg/models"
)

// TaskState enumerates where a task_id sits in the fleet lifecycle.
type TaskState string

const (
	TaskPending      TaskState = "pending"
	TaskInFlight     TaskState = "in_flight"
	TaskCompleted    TaskState = "completed"
	TaskDeadLettered TaskState = "dead_lettered"
	TaskTimedOut     TaskState = "timed_out"
	TaskOrphaned     TaskState = "orphaned"
)

// WorkerHealth enumerates the orchestrator's liveness classification for a
// worker.
type WorkerHealth string

const (
	HealthHealthy      WorkerHealth = "healthy"
	HealthDegraded     WorkerHealth = "degraded"
	HealthUnresponsive WorkerHealth = "unresponsive"
)

// TaskEntry is the per-task record kept in FleetState.
type TaskEntry struct {
	State      TaskState `json:"state"`
	Worker     string    `json:"worker"`
	UpdatedAt  time.Time `json:"updated_at"`
	ObservedAt time.Time `json:"observed_at,omitempty"` // task file's mtime (or observation time) when last seen in_flight
}

// WorkerEntry is the per-worker record kept in FleetState.
type WorkerEntry struct {
	LastHeartbeat models.Heartbeat `json:"last_heartbeat"`
	Health        WorkerHealth     `json:"health"`
}

// FleetState is the orchestrator's aggregate view of every task and
// worker it has observed.
type FleetState struct {
	Tasks   map[string]TaskEntry   `json:"tasks"`
	Workers map[string]WorkerEntry `json:"workers"`
}

func newFleetState() *FleetState {
	return &FleetState{
		Tasks:   make(map[string]TaskEntry),
		Workers: make(map[string]WorkerEntry),
	}
}

// ErrStateCorrupt is returned (after the corrupt file has already been
// archived) when the on-disk state could not be parsed.
type ErrStateCorrupt struct {
	Path        string
	ArchivedTo  string
	Err         error
}

func (e *ErrStateCorrupt) Error() string {
	return fmt.Sprintf("state file %s corrupt (archived to %s): %v", e.Path, e.ArchivedTo, e.Err)
}

func (e *ErrStateCorrupt) Unwrap() error { return e.Err }

// Store guards FleetState with atomic persistence to a single JSON file.
// The orchestrator runs one goroutine per worker's task, result and DLQ
// watcher plus a heartbeat watcher plus a health/timeout ticker, all of
// which call into
// a shared Store concurrently, so every access to state below mu.
type Store struct {
	mu    sync.Mutex
	path  string
	state *FleetState
}

// Load reads the state file if present. A missing file yields a fresh
// empty FleetState (not an error) since the orchestrator can always
// reconcile from the filesystem. A malformed file is archived to
// <path>.corrupt-<unix-ts> and a fresh state is returned alongside an
// ErrStateCorrupt the caller can log.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Store{path: path, state: newFleetState()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}

	var fs FleetState
	if err := json.Unmarshal(data, &fs); err != nil {
		archived := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UTC().Unix())
		_ = os.Rename(path, archived)
		return &Store{path: path, state: newFleetState()}, &ErrStateCorrupt{Path: path, ArchivedTo: archived, Err: err}
	}
	if fs.Tasks == nil {
		fs.Tasks = make(map[string]TaskEntry)
	}
	if fs.Workers == nil {
		fs.Workers = make(map[string]WorkerEntry)
	}
	return &Store{path: path, state: &fs}, nil
}

// Snapshot returns a deep copy of the current state, safe to inspect
// without racing concurrent mutations made through the accessor methods
// below.
func (s *Store) Snapshot() FleetState {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := FleetState{
		Tasks:   make(map[string]TaskEntry, len(s.state.Tasks)),
		Workers: make(map[string]WorkerEntry, len(s.state.Workers)),
	}
	for k, v := range s.state.Tasks {
		fs.Tasks[k] = v
	}
	for k, v := range s.state.Workers {
		fs.Workers[k] = v
	}
	return fs
}

// SetTask records or updates the state of a task_id.
func (s *Store) SetTask(taskID string, entry TaskEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Tasks[taskID] = entry
	return s.save()
}

// SetWorker records or updates the last-observed heartbeat/health for a
// worker.
func (s *Store) SetWorker(worker string, entry WorkerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Workers[worker] = entry
	return s.save()
}

// Task returns the current entry for taskID, if any.
func (s *Store) Task(taskID string) (TaskEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.Tasks[taskID]
	return e, ok
}

// Worker returns the current entry for a worker name, if any.
func (s *Store) Worker(worker string) (WorkerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.Workers[worker]
	return e, ok
}

// Reconcile replaces the task map wholesale with ground truth rebuilt from
// the filesystem at startup (spec.md §4.10: "files win over any stale
// StateStore entries").
func (s *Store) Reconcile(tasks map[string]TaskEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Tasks = tasks
	return s.save()
}

// save persists the current state to disk. Callers must hold mu.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomicfile.WriteJSON(s.path, s.state)
}
