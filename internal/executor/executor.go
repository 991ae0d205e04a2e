// Package executor runs a single Task through its full Attempt lifecycle:
// advisory lock, parse, circuit-breaker permit, subprocess invocation with
// a bounded-tail capture and timeout kill, outcome classification, and the
// atomic result/DLQ write. It adapts the subprocess-invocation mechanics of
// the teacher's internal/transcoder/transcoder.go (exec.CommandContext,
// StderrPipe, cmd.Wait, tmp-then-rename moves) from ffmpeg/HLS semantics to
// the generic "invoke a subprocess CLI with the task payload" contract this
// spec requires.
package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/arthurcrodrigues/taskfabric/internal/atomicfile"
	"github.com/arthurcrodrigues/taskfabric/internal/breaker"
	"github.com/arthurcrodrigues/taskfabric/internal/config"
	"github.com/arthurcrodrigues/taskfabric/internal/metrics"
	"github.com/arthurcrodrigues/taskfabric/internal/retry"
	"github.com/arthurcrodrigues/taskfabric/pkg/models"
	"github.com/rs/zerolog"
)

const tailLimitBytes = 64 * 1024

// CommandBuilder derives the subprocess argv from a task payload. The
// actual LLM CLI invocation contract is external to this spec (see
// spec.md §1); the default builder simply shells out the task's
// description, which is enough to drive the conformance scenarios in
// spec.md §8 (e.g. description "echo hi").
type CommandBuilder func(ctx context.Context, task models.Task) *exec.Cmd

// DefaultCommandBuilder runs the task description through the system
// shell, inheriting the worker process's environment per spec.md §4.5
// step 4.
func DefaultCommandBuilder(ctx context.Context, task models.Task) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", task.Description)
}

// Executor runs Tasks to completion, including the full retry/backoff
// sequence for a single task (attempts within one task's lifetime are
// strictly sequential, per spec.md §5).
type Executor struct {
	cfg     *config.Config
	paths   config.Paths
	breaker *breaker.CircuitBreaker
	policy  retry.Policy
	metrics *metrics.Registry
	logger  zerolog.Logger
	build   CommandBuilder
}

// New builds an Executor.
func New(cfg *config.Config, b *breaker.CircuitBreaker, reg *metrics.Registry, logger zerolog.Logger, build CommandBuilder) *Executor {
	if build == nil {
		build = DefaultCommandBuilder
	}
	return &Executor{
		cfg:     cfg,
		paths:   cfg.WorkerPaths(),
		breaker: b,
		policy: retry.Policy{
			MaxRetries:        cfg.MaxRetries,
			InitialDelay:      cfg.InitialRetryDelay(),
			BackoffMultiplier: cfg.RetryBackoffMult,
			MaxDelay:          cfg.RetryMaxDelay(),
		},
		metrics: reg,
		logger:  logger,
		build:   build,
	}
}

// Outcome summarizes what Run did with one task file, for the dispatcher's
// logging and for tests.
type Outcome struct {
	Status   models.ExitStatus
	Deferred bool // lock_conflict, circuit_open, or ctx canceled during a retry backoff: file left in place
}

// Run executes taskPath to completion: zero or more attempts, a terminal
// result/DLQ write, or a deferral. ctx governs the whole call, including
// any retry backoff sleeps; if ctx is canceled mid-backoff the task file is
// left in place for a future worker instance to pick up.
func (e *Executor) Run(ctx context.Context, taskPath string) Outcome {
	lock, err := acquireLock(taskPath, e.cfg.LockWait())
	if err != nil {
		e.logger.Debug().Str("path", taskPath).Msg("lock conflict, deferring to next rescan")
		return Outcome{Status: models.ExitLockConflict, Deferred: true}
	}
	defer lock.release()

	raw, err := os.ReadFile(taskPath)
	if err != nil {
		// File vanished between the queue dequeue and the lock acquire
		// (another worker instance already finished it); nothing to do.
		return Outcome{Status: models.ExitLockConflict, Deferred: true}
	}

	taskID := idFromPath(taskPath)
	task, err := models.DecodeTask(raw, taskID)
	if err != nil {
		e.logger.Warn().Str("task_id", taskID).Err(err).Msg("invalid task payload, sending to DLQ")
		now := time.Now().UTC()
		result := models.TaskResult{
			TaskID:      taskID,
			FinalStatus: models.FinalDeadLettered,
			CompletedAt: now,
			Attempts: []models.Attempt{{
				AttemptNumber: 1,
				StartedAt:     now,
				FinishedAt:    now,
				ExitStatus:    models.ExitInvalidPayload,
				StderrExcerpt: err.Error(),
			}},
		}
		_ = e.writeDLQ(taskID, result)
		_ = os.Remove(taskPath)
		e.metrics.TasksProcessedTotal.WithLabelValues(e.cfg.WorkerName, string(models.FinalDeadLettered)).Inc()
		return Outcome{Status: models.ExitInvalidPayload}
	}

	var attempts []models.Attempt
	attemptNumber := 1

	for {
		if e.breaker.Allow() == breaker.Denied {
			e.logger.Debug().Str("task_id", task.TaskID).Msg("circuit open, deferring")
			return Outcome{Status: models.ExitCircuitOpen, Deferred: true}
		}

		attempt := e.runOnce(ctx, task, attemptNumber)
		attempts = append(attempts, attempt)
		e.metrics.TaskDuration.WithLabelValues(e.cfg.WorkerName).Observe(attempt.DurationSeconds)

		if attempt.ExitStatus == models.ExitSuccess {
			e.breaker.RecordSuccess()
			result := models.TaskResult{
				TaskID:      task.TaskID,
				Worker:      task.Worker,
				Description: task.Description,
				Metadata:    task.Metadata,
				CreatedAt:   task.CreatedAt,
				Attempts:    attempts,
				FinalStatus: models.FinalCompleted,
				CompletedAt: time.Now().UTC(),
				Extra:       task.Extra,
			}
			if err := e.writeResult(task.TaskID, result); err != nil {
				e.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to write result")
			}
			_ = os.Remove(taskPath)
			e.metrics.TasksProcessedTotal.WithLabelValues(e.cfg.WorkerName, string(models.FinalCompleted)).Inc()
			return Outcome{Status: models.ExitSuccess}
		}

		if attempt.ExitStatus.CountsAsFailure() {
			e.breaker.RecordFailure()
		}

		decision := e.policy.Decide(attemptNumber, attempt.ExitStatus)
		if !decision.Retry {
			result := models.TaskResult{
				TaskID:      task.TaskID,
				Worker:      task.Worker,
				Description: task.Description,
				Metadata:    task.Metadata,
				CreatedAt:   task.CreatedAt,
				Attempts:    attempts,
				FinalStatus: models.FinalDeadLettered,
				CompletedAt: time.Now().UTC(),
				Extra:       task.Extra,
			}
			if err := e.writeDLQ(task.TaskID, result); err != nil {
				e.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to write DLQ entry")
			}
			_ = os.Remove(taskPath)
			e.metrics.TasksProcessedTotal.WithLabelValues(e.cfg.WorkerName, string(models.FinalDeadLettered)).Inc()
			return Outcome{Status: attempt.ExitStatus}
		}

		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			return Outcome{Status: attempt.ExitStatus, Deferred: true}
		}
		attemptNumber++
	}
}

// runOnce performs one Attempt: subprocess invoke, bounded capture, timeout
// kill, classification. It never returns an error — all failure modes are
// represented in the returned Attempt's ExitStatus.
func (e *Executor) runOnce(parent context.Context, task models.Task, attemptNumber int) models.Attempt {
	ctx, cancel := context.WithTimeout(parent, e.cfg.TaskTimeout())
	defer cancel()

	started := time.Now().UTC()
	cmd := e.build(ctx, task)

	stdout := newTailBuffer(tailLimitBytes)
	stderr := newTailBuffer(tailLimitBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	runErr := cmd.Start()
	if runErr == nil {
		runErr = cmd.Wait()
	}
	finished := time.Now().UTC()

	status := classify(ctx, runErr)
	if status == models.ExitTimeout {
		killProcessGroup(cmd)
	}

	return models.Attempt{
		AttemptNumber:   attemptNumber,
		StartedAt:       started,
		FinishedAt:      finished,
		ExitStatus:      status,
		StdoutExcerpt:   stdout.String(),
		StderrExcerpt:   stderr.String(),
		DurationSeconds: finished.Sub(started).Seconds(),
	}
}

func classify(ctx context.Context, runErr error) models.ExitStatus {
	if ctx.Err() == context.DeadlineExceeded {
		return models.ExitTimeout
	}
	if runErr == nil {
		return models.ExitSuccess
	}
	return models.ExitFailed
}

func (e *Executor) writeResult(taskID string, result models.TaskResult) error {
	path := filepath.Join(e.paths.Results, taskID+".json")
	if err := atomicfile.WriteJSON(path, result); err != nil {
		return err
	}
	triggerPath := filepath.Join(e.paths.Triggers, taskID+".done")
	return atomicfile.WriteEmpty(triggerPath)
}

func (e *Executor) writeDLQ(taskID string, result models.TaskResult) error {
	path := filepath.Join(e.paths.DLQ, taskID+".json")
	if err := atomicfile.WriteJSON(path, result); err != nil {
		return err
	}
	triggerPath := filepath.Join(e.paths.Triggers, taskID+".done")
	return atomicfile.WriteEmpty(triggerPath)
}

func idFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
