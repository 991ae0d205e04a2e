// Package monitor samples host vitals (CPU/RAM) for the heartbeat snapshot
// and the MetricsRegistry's host gauges. Adapted from the teacher's
// internal/monitor, which used the same gopsutil calls to decide whether a
// transcoding worker was too busy to accept a new job; the FFmpeg capability
// probe that package also contained has no home in this domain and was
// dropped.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Vitals is a point-in-time sample of host resource usage.
type Vitals struct {
	CPUPercent float64
	RAMPercent float64
}

// Sampler gathers host vitals via gopsutil.
type Sampler struct{}

// NewSampler builds a Sampler.
func NewSampler() *Sampler { return &Sampler{} }

// Sample gathers real-time CPU and RAM usage. A short (200ms) CPU sampling
// window is used rather than an instantaneous read for a steadier gauge.
func (s *Sampler) Sample(ctx context.Context) (Vitals, error) {
	var v Vitals

	mv, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return v, fmt.Errorf("failed to sample memory: %w", err)
	}
	v.RAMPercent = mv.UsedPercent

	cpuPct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return v, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(cpuPct) > 0 {
		v.CPUPercent = cpuPct[0]
	}

	return v, nil
}
