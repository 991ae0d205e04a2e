// Package models holds the JSON-wire types shared across the worker and
// orchestrator: tasks, attempts, results, and heartbeats. Decoders return a
// typed error on schema violation rather than passing untyped maps past the
// parse boundary.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload is returned by DecodeTask when the input JSON does not
// satisfy the task schema.
var ErrInvalidPayload = errors.New("invalid task payload")

// Task is the unit of work dropped by an external producer under
// tasks/<worker>/<task_id>.json. Tasks are immutable after write.
type Task struct {
	TaskID      string                 `json:"task_id"`
	Worker      string                 `json:"worker"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   string                 `json:"created_at,omitempty"`

	// Extra holds any top-level properties beyond the schema above,
	// preserved verbatim so a producer's custom fields survive unchanged
	// into the TaskResult written back (spec.md §6).
	Extra map[string]json.RawMessage `json:"-"`
}

var taskKnownFields = map[string]bool{
	"task_id": true, "worker": true, "description": true,
	"metadata": true, "created_at": true,
}

// UnmarshalJSON decodes the known Task fields and stashes everything else
// in Extra.
func (t *Task) UnmarshalJSON(data []byte) error {
	type taskAlias Task
	var a taskAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = Task(a)
	t.Extra = nil

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range taskKnownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// MarshalJSON re-flattens Extra alongside the known fields.
func (t Task) MarshalJSON() ([]byte, error) {
	type taskAlias Task
	base, err := json.Marshal(taskAlias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ExitStatus enumerates the outcome of a single Attempt.
type ExitStatus string

const (
	ExitSuccess        ExitStatus = "success"
	ExitFailed         ExitStatus = "failed"
	ExitTimeout        ExitStatus = "timeout"
	ExitLockConflict   ExitStatus = "lock_conflict"
	ExitInvalidPayload ExitStatus = "invalid_payload"
	ExitCircuitOpen    ExitStatus = "circuit_open"
)

// Retriable reports whether an attempt ending with this status should be
// retried per spec: only failed and timeout are retriable.
func (s ExitStatus) Retriable() bool {
	return s == ExitFailed || s == ExitTimeout
}

// CountsAsFailure reports whether this outcome should increment the circuit
// breaker's consecutive-failure counter. circuit_open and lock_conflict are
// deferrals, not failures.
func (s ExitStatus) CountsAsFailure() bool {
	return s == ExitFailed || s == ExitTimeout || s == ExitInvalidPayload
}

// Attempt records one execution of a Task.
type Attempt struct {
	AttemptNumber   int        `json:"attempt_number"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      time.Time  `json:"finished_at"`
	ExitStatus      ExitStatus `json:"exit_status"`
	StdoutExcerpt   string     `json:"stdout_excerpt,omitempty"`
	StderrExcerpt   string     `json:"stderr_excerpt,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// FinalStatus enumerates the terminal disposition of a Task.
type FinalStatus string

const (
	FinalCompleted    FinalStatus = "completed"
	FinalDeadLettered FinalStatus = "dead_lettered"
)

// TaskResult is the terminal record written to results/<worker>/ or
// dlq/<worker>/. Exactly one is written per Task.
type TaskResult struct {
	TaskID      string                 `json:"task_id"`
	Worker      string                 `json:"worker"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   string                 `json:"created_at,omitempty"`

	Attempts    []Attempt   `json:"attempts"`
	FinalStatus FinalStatus `json:"final_status"`
	CompletedAt time.Time   `json:"completed_at"`

	// Extra carries the originating Task's unrecognized top-level fields
	// through verbatim (spec.md §6: "extra fields preserved verbatim into
	// TaskResult").
	Extra map[string]json.RawMessage `json:"-"`
}

var resultKnownFields = map[string]bool{
	"task_id": true, "worker": true, "description": true, "metadata": true,
	"created_at": true, "attempts": true, "final_status": true, "completed_at": true,
}

// UnmarshalJSON decodes the known TaskResult fields and stashes everything
// else in Extra.
func (r *TaskResult) UnmarshalJSON(data []byte) error {
	type resultAlias TaskResult
	var a resultAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = TaskResult(a)
	r.Extra = nil

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range resultKnownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

// MarshalJSON re-flattens Extra alongside the known fields.
func (r TaskResult) MarshalJSON() ([]byte, error) {
	type resultAlias TaskResult
	base, err := json.Marshal(resultAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// HeartbeatStatus enumerates a worker's lifecycle stage.
type HeartbeatStatus string

const (
	StatusStarting HeartbeatStatus = "starting"
	StatusAlive    HeartbeatStatus = "alive"
	StatusDraining HeartbeatStatus = "draining"
	StatusStopped  HeartbeatStatus = "stopped"
)

// CircuitState enumerates the circuit breaker's three states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Heartbeat is a worker liveness snapshot written atomically to
// heartbeats/<worker>.json.
type Heartbeat struct {
	Worker         string          `json:"worker"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         HeartbeatStatus `json:"status"`
	ActiveTasks    int             `json:"active_tasks"`
	QueueDepth     int             `json:"queue_depth"`
	CompletedTotal int64           `json:"completed_total"`
	FailedTotal    int64           `json:"failed_total"`
	CircuitState   CircuitState    `json:"circuit_state"`
	CPUPercent     float64         `json:"cpu_percent,omitempty"`
	RAMPercent     float64         `json:"ram_percent,omitempty"`
}

// Stale reports whether this heartbeat is older than now - interval*3, per
// spec.md §3.
func (h Heartbeat) Stale(now time.Time, interval time.Duration) bool {
	return now.Sub(h.Timestamp) > interval*3
}

// DecodeTask parses and validates a task JSON payload. task_id must equal
// the filename stem; the caller supplies expectedID for that check.
func DecodeTask(data []byte, expectedID string) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if t.TaskID == "" {
		return Task{}, fmt.Errorf("%w: missing task_id", ErrInvalidPayload)
	}
	if expectedID != "" && t.TaskID != expectedID {
		return Task{}, fmt.Errorf("%w: task_id %q does not match filename %q", ErrInvalidPayload, t.TaskID, expectedID)
	}
	if t.Worker == "" {
		return Task{}, fmt.Errorf("%w: missing worker", ErrInvalidPayload)
	}

	return t, nil
}
