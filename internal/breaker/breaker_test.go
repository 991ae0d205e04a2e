package breaker

import (
	"testing"
	"time"

	"github.com/arthurcrodrigues/taskfabric/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.Equal(t, Permit, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, models.CircuitClosed, b.State())

	require.Equal(t, Permit, b.Allow())
	b.RecordFailure()

	assert.Equal(t, models.CircuitOpen, b.State())
	assert.Equal(t, Denied, b.Allow())
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	now := time.Now()
	b := New(1, 10*time.Second)
	b.now = func() time.Time { return now }

	b.Allow()
	b.RecordFailure()
	require.Equal(t, models.CircuitOpen, b.State())

	now = now.Add(11 * time.Second)

	assert.Equal(t, Permit, b.Allow(), "first caller after open_duration gets the probe")
	assert.Equal(t, models.CircuitHalfOpen, b.State())
	assert.Equal(t, Denied, b.Allow(), "a second concurrent caller must not get a probe too")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := New(1, 10*time.Second)
	b.now = func() time.Time { return now }

	b.Allow()
	b.RecordFailure()
	now = now.Add(11 * time.Second)
	b.Allow()

	b.RecordFailure()
	assert.Equal(t, models.CircuitOpen, b.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	now := time.Now()
	b := New(1, 10*time.Second)
	b.now = func() time.Time { return now }

	b.Allow()
	b.RecordFailure()
	now = now.Add(11 * time.Second)
	b.Allow()

	b.RecordSuccess()
	assert.Equal(t, models.CircuitClosed, b.State())
	assert.Equal(t, Permit, b.Allow())
}

func TestStateGauge(t *testing.T) {
	assert.Equal(t, float64(0), StateGauge(models.CircuitClosed))
	assert.Equal(t, float64(1), StateGauge(models.CircuitOpen))
	assert.Equal(t, float64(2), StateGauge(models.CircuitHalfOpen))
}
