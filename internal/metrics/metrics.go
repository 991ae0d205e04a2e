// Package metrics exposes the watcher_* Prometheus series named in spec.md
// §4.8, following the promauto package-level-vars shape used by the pack's
// itskum47-FluxForge control plane, but scoped to an instance (not global
// package vars) so each worker process registers into its own registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this fabric exposes and the HTTP server that
// serves them at /metrics.
type Registry struct {
	reg *prometheus.Registry

	TasksProcessedTotal *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	TaskQueueSize       *prometheus.GaugeVec
	ActiveTasks         *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
	DLQSize             *prometheus.GaugeVec
	QueueDropsTotal     *prometheus.CounterVec
	HostCPUPercent      *prometheus.GaugeVec
	HostRAMPercent      *prometheus.GaugeVec

	srv *http.Server
}

// New builds a Registry with all series registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		TasksProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_tasks_processed_total",
			Help: "Total tasks processed, by worker and final status.",
		}, []string{"worker", "status"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watcher_task_duration_seconds",
			Help:    "Attempt duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"worker"}),
		TaskQueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watcher_task_queue_size",
			Help: "Current depth of the in-memory task queue.",
		}, []string{"worker"}),
		ActiveTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watcher_active_tasks",
			Help: "Number of attempts currently in flight.",
		}, []string{"worker"}),
		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watcher_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed 1=open 2=half_open.",
		}, []string{"worker"}),
		DLQSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watcher_dlq_size",
			Help: "Number of entries currently in the dead-letter queue.",
		}, []string{"worker"}),
		QueueDropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_queue_drops_total",
			Help: "Total enqueue attempts dropped because the queue was full.",
		}, []string{"worker"}),
		HostCPUPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watcher_host_cpu_percent",
			Help: "Host CPU utilization percent, sampled at each heartbeat tick.",
		}, []string{"worker"}),
		HostRAMPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watcher_host_ram_percent",
			Help: "Host RAM utilization percent, sampled at each heartbeat tick.",
		}, []string{"worker"}),
	}
}

// Serve starts the /metrics HTTP endpoint on addr, mirroring the
// ListenAndServe-on-configured-port idiom of the teacher's
// internal/server/server.go. It runs until ctx is canceled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	r.srv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := r.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
