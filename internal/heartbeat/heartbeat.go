// Package heartbeat publishes the periodic worker liveness snapshot
// required by spec.md §4.7. It keeps the teacher's ticker/ctx.Done select
// loop shape (internal/heartbeat/heartbeat.go) but switches the primary
// sink from an HTTP POST to the atomic heartbeats/<worker>.json file, and
// folds in an optional webhook mirror for the notification path.
package heartbeat

import (
	"context"
	"time"

	"github.com/arthurcrodrigues/taskfabric/internal/atomicfile"
	"github.com/arthurcrodrigues/taskfabric/internal/breaker"
	"github.com/arthurcrodrigues/taskfabric/internal/metrics"
	"github.com/arthurcrodrigues/taskfabric/internal/monitor"
	"github.com/arthurcrodrigues/taskfabric/internal/notifier"
	"github.com/arthurcrodrigues/taskfabric/pkg/models"
	"github.com/rs/zerolog"
)

// Vitals is supplied by the caller so HeartbeatPublisher does not need to
// know about the executor/queue internals directly.
type Vitals struct {
	ActiveTasks    func() int
	QueueDepth     func() int
	CompletedTotal func() int64
	FailedTotal    func() int64
}

// Publisher periodically writes a Heartbeat snapshot atomically.
type Publisher struct {
	worker   string
	path     string
	interval time.Duration
	breaker  *breaker.CircuitBreaker
	vitals   Vitals
	notify   *notifier.Notifier
	logger   zerolog.Logger

	sampler *monitor.Sampler
	metrics *metrics.Registry

	lastTimestamp time.Time
}

// New builds a Publisher. notify may be nil, in which case no webhook
// mirror is attempted. reg may be nil, in which case host vitals are not
// exposed as gauges.
func New(worker, path string, interval time.Duration, b *breaker.CircuitBreaker, v Vitals, notify *notifier.Notifier, reg *metrics.Registry, logger zerolog.Logger) *Publisher {
	return &Publisher{
		worker:   worker,
		path:     path,
		interval: interval,
		breaker:  b,
		vitals:   v,
		notify:   notify,
		sampler:  monitor.NewSampler(),
		metrics:  reg,
		logger:   logger,
	}
}

// Run publishes a "starting" heartbeat immediately, then one heartbeat per
// interval until ctx is canceled, at which point it publishes a final
// "stopped" heartbeat before returning. Intended to be run in its own
// goroutine.
func (p *Publisher) Run(ctx context.Context) {
	p.publish(models.StatusStarting)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.publish(models.StatusStopped)
			return
		case <-ticker.C:
			p.publish(models.StatusAlive)
		}
	}
}

// PublishDraining writes a single draining-status heartbeat, used by
// WorkerWatcher at the start of graceful shutdown.
func (p *Publisher) PublishDraining() {
	p.publish(models.StatusDraining)
}

func (p *Publisher) publish(status models.HeartbeatStatus) {
	now := time.Now().UTC()
	// Heartbeat timestamps must be monotonically non-decreasing per
	// worker (spec.md §3); guard against clock skew pulling now backward.
	if !p.lastTimestamp.IsZero() && now.Before(p.lastTimestamp) {
		now = p.lastTimestamp
	}
	p.lastTimestamp = now

	hb := models.Heartbeat{
		Worker:       p.worker,
		Timestamp:    now,
		Status:       status,
		CircuitState: p.breaker.State(),
	}
	if p.vitals.ActiveTasks != nil {
		hb.ActiveTasks = p.vitals.ActiveTasks()
	}
	if p.vitals.QueueDepth != nil {
		hb.QueueDepth = p.vitals.QueueDepth()
	}
	if p.vitals.CompletedTotal != nil {
		hb.CompletedTotal = p.vitals.CompletedTotal()
	}
	if p.vitals.FailedTotal != nil {
		hb.FailedTotal = p.vitals.FailedTotal()
	}

	if sample, err := p.sampler.Sample(context.Background()); err != nil {
		p.logger.Debug().Err(err).Str("worker", p.worker).Msg("host vitals sample failed")
	} else {
		hb.CPUPercent = sample.CPUPercent
		hb.RAMPercent = sample.RAMPercent
		if p.metrics != nil {
			p.metrics.HostCPUPercent.WithLabelValues(p.worker).Set(sample.CPUPercent)
			p.metrics.HostRAMPercent.WithLabelValues(p.worker).Set(sample.RAMPercent)
		}
	}

	if err := atomicfile.WriteJSON(p.path, hb); err != nil {
		p.logger.Warn().Err(err).Str("worker", p.worker).Msg("heartbeat write failed")
		return
	}

	if p.notify != nil {
		p.notify.Send(context.Background(), "heartbeat", hb)
	}
}
