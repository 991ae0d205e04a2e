package heartbeat

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arthurcrodrigues/taskfabric/internal/breaker"
	"github.com/arthurcrodrigues/taskfabric/internal/metrics"
	"github.com/arthurcrodrigues/taskfabric/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readHeartbeat(t *testing.T, path string) models.Heartbeat {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var hb models.Heartbeat
	require.NoError(t, json.Unmarshal(data, &hb))
	return hb
}

func TestPublisher_PublishesStartingThenStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w1.json")
	b := breaker.New(5, time.Minute)
	p := New("w1", path, time.Hour, b, Vitals{}, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusStarting, readHeartbeat(t, path).Status)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop after context cancellation")
	}

	assert.Equal(t, models.StatusStopped, readHeartbeat(t, path).Status)
}

func TestPublisher_TimestampNeverRegresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w1.json")
	b := breaker.New(5, time.Minute)
	p := New("w1", path, time.Hour, b, Vitals{}, nil, nil, zerolog.Nop())

	p.publish(models.StatusAlive)
	first := readHeartbeat(t, path).Timestamp

	p.lastTimestamp = first.Add(time.Hour) // simulate clock skew pulling "now" backward
	p.publish(models.StatusAlive)

	second := readHeartbeat(t, path).Timestamp
	assert.True(t, !second.Before(first.Add(time.Hour)))
}

func TestPublisher_PublishDrainingWritesDrainingStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w1.json")
	b := breaker.New(5, time.Minute)
	p := New("w1", path, time.Hour, b, Vitals{}, nil, nil, zerolog.Nop())

	p.PublishDraining()

	assert.Equal(t, models.StatusDraining, readHeartbeat(t, path).Status)
}

func TestPublisher_SamplesHostVitalsIntoHeartbeatAndGauges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w1.json")
	b := breaker.New(5, time.Minute)
	reg := metrics.New()
	p := New("w1", path, time.Hour, b, Vitals{}, nil, reg, zerolog.Nop())

	p.publish(models.StatusAlive)

	hb := readHeartbeat(t, path)
	assert.GreaterOrEqual(t, hb.RAMPercent, 0.0)

	gauge := testutil.ToFloat64(reg.HostRAMPercent.WithLabelValues("w1"))
	assert.Equal(t, hb.RAMPercent, gauge)
}
