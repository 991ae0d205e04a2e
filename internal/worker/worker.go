// Package worker composes Config, CircuitBreaker, FileWatcher, TaskQueue,
// Executor, HeartbeatPublisher, and MetricsRegistry into one worker's event
// loop, per spec.md §4.9. It generalizes the teacher's composition root
// (cmd/worker/main.go: build a context, start components, block) into the
// full supervisor tree spec.md §9 calls for, with a structured graceful
// drain on SIGTERM/SIGINT instead of `select {}`.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arthurcrodrigues/taskfabric/internal/breaker"
	"github.com/arthurcrodrigues/taskfabric/internal/config"
	"github.com/arthurcrodrigues/taskfabric/internal/executor"
	"github.com/arthurcrodrigues/taskfabric/internal/heartbeat"
	"github.com/arthurcrodrigues/taskfabric/internal/metrics"
	"github.com/arthurcrodrigues/taskfabric/internal/notifier"
	"github.com/arthurcrodrigues/taskfabric/internal/queue"
	"github.com/arthurcrodrigues/taskfabric/internal/watch"
	"github.com/arthurcrodrigues/taskfabric/pkg/models"
	"github.com/rs/zerolog"
)

// Watcher is one worker's complete event loop.
type Watcher struct {
	cfg    *config.Config
	paths  config.Paths
	logger zerolog.Logger

	breaker  *breaker.CircuitBreaker
	queue    *queue.TaskQueue
	exec     *executor.Executor
	metrics  *metrics.Registry
	hb       *heartbeat.Publisher
	fw       *watch.FileWatcher

	activeTasks    int64
	completedTotal int64
	failedTotal    int64
}

// New builds a Watcher. build lets callers (and tests) substitute the
// subprocess command construction; pass nil for the default shell-out
// behavior.
func New(cfg *config.Config, logger zerolog.Logger, build executor.CommandBuilder) (*Watcher, error) {
	paths := cfg.WorkerPaths()

	b := breaker.New(cfg.CircuitFailureThreshold, cfg.CircuitOpenDuration())
	reg := metrics.New()
	fw, err := watch.New(paths.Tasks, "*.json")
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:     cfg,
		paths:   paths,
		logger:  logger,
		breaker: b,
		queue:   queue.New(cfg.MaxConcurrentTasks * 8),
		exec:    executor.New(cfg, b, reg, logger, build),
		metrics: reg,
		fw:      fw,
	}

	notify := notifier.New(cfg.NotifyWebhookURL, logger)
	w.hb = heartbeat.New(cfg.WorkerName, paths.HeartbeatFile, cfg.HeartbeatInterval(), b, heartbeat.Vitals{
		ActiveTasks:    func() int { return int(atomic.LoadInt64(&w.activeTasks)) },
		QueueDepth:     w.queue.Len,
		CompletedTotal: func() int64 { return atomic.LoadInt64(&w.completedTotal) },
		FailedTotal:    func() int64 { return atomic.LoadInt64(&w.failedTotal) },
	}, notify, reg, logger)

	return w, nil
}

// Run starts every subsystem and blocks until ctx is canceled (typically by
// a SIGTERM/SIGINT handler installed by the caller), then performs a
// graceful drain: stop accepting new work, wait for in-flight attempts up
// to task_timeout+10s, force-kill what remains, publish a final stopped
// heartbeat. No result file is ever written after that heartbeat, per
// spec.md §4.9's ordering guarantee.
func (w *Watcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf(":%d", w.cfg.MetricsPort)
		if err := w.metrics.Serve(metricsCtx, addr); err != nil {
			w.logger.Error().Err(err).Msg("metrics server exited with error")
		}
	}()

	hbCtx, cancelHB := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.hb.Run(hbCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.fw.Run()
	}()

	consumerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consumeEvents(consumerDone)
	}()

	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()
	dispatcherDone := make(chan struct{})
	var dispatchWG sync.WaitGroup
	for i := 0; i < w.cfg.MaxConcurrentTasks; i++ {
		dispatchWG.Add(1)
		go w.dispatchLoop(execCtx, &dispatchWG, dispatcherDone)
	}

	<-ctx.Done()
	w.logger.Info().Str("worker", w.cfg.WorkerName).Msg("draining")
	w.hb.PublishDraining()

	w.fw.Stop()
	close(consumerDone)
	close(dispatcherDone)

	gracePeriod := w.cfg.TaskTimeout() + 10*time.Second
	drained := make(chan struct{})
	go func() {
		dispatchWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(gracePeriod):
		w.logger.Warn().Msg("grace period exceeded, force-killing in-flight attempts")
		cancelExec()
		<-drained
	}

	cancelHB()
	cancelMetrics()
	wg.Wait()

	w.logger.Info().Str("worker", w.cfg.WorkerName).Msg("stopped")
	return nil
}

// consumeEvents is the single FileWatcher consumer: it enqueues observed
// task paths onto the bounded TaskQueue, incrementing the drop metric when
// full (spec.md §4.4).
func (w *Watcher) consumeEvents(done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-w.fw.Events():
			if !ok {
				return
			}
			if !w.queue.Enqueue(ev.Path) {
				w.metrics.QueueDropsTotal.WithLabelValues(w.cfg.WorkerName).Inc()
				w.logger.Warn().Str("path", ev.Path).Msg("task queue full, dropping (will re-observe on rescan)")
			}
			w.metrics.TaskQueueSize.WithLabelValues(w.cfg.WorkerName).Set(float64(w.queue.Len()))
		case err, ok := <-w.fw.Errors():
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("file watcher error")
		case <-done:
			return
		}
	}
}

// dispatchLoop is one of max_concurrent_tasks concurrent consumers pulling
// from the TaskQueue and running tasks to completion via the Executor. The
// fixed pool of dispatchLoop goroutines is itself the concurrency bound
// named in spec.md §5 — no additional semaphore is needed.
func (w *Watcher) dispatchLoop(ctx context.Context, wg *sync.WaitGroup, done <-chan struct{}) {
	defer wg.Done()

	for {
		path, ok := w.queue.Dequeue(done)
		if !ok {
			return
		}

		atomic.AddInt64(&w.activeTasks, 1)
		w.metrics.ActiveTasks.WithLabelValues(w.cfg.WorkerName).Set(float64(atomic.LoadInt64(&w.activeTasks)))

		outcome := w.exec.Run(ctx, path)

		atomic.AddInt64(&w.activeTasks, -1)
		w.metrics.ActiveTasks.WithLabelValues(w.cfg.WorkerName).Set(float64(atomic.LoadInt64(&w.activeTasks)))

		w.metrics.CircuitBreakerState.WithLabelValues(w.cfg.WorkerName).Set(breaker.StateGauge(w.breaker.State()))
		w.metrics.DLQSize.WithLabelValues(w.cfg.WorkerName).Set(float64(w.countDLQ()))

		if outcome.Deferred {
			continue
		}
		if outcome.Status == models.ExitSuccess {
			atomic.AddInt64(&w.completedTotal, 1)
		} else {
			atomic.AddInt64(&w.failedTotal, 1)
		}
	}
}

func (w *Watcher) countDLQ() int {
	entries, err := os.ReadDir(w.paths.DLQ)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n
}
