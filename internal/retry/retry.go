// Package retry implements the pure retry decision function of spec.md
// §4.6: given an attempt number and the outcome of the last attempt,
// decide whether to retry after a delay or give up. The backoff shape
// mirrors the teacher's retryablehttp client configuration
// (RetryMax/RetryWaitMin/RetryWaitMax) but is reimplemented directly
// because retryablehttp's algorithm is private to its own HTTP transport
// and this policy governs subprocess attempts, not HTTP calls.
package retry

import (
	"math"
	"time"

	"github.com/arthurcrodrigues/taskfabric/pkg/models"
)

// Policy computes retry delays from the worker's configured backoff
// parameters.
type Policy struct {
	MaxRetries       int
	InitialDelay     time.Duration
	BackoffMultiplier float64
	MaxDelay         time.Duration
}

// Outcome is the result of consulting the policy for one failed/timed-out
// attempt.
type Outcome struct {
	Retry bool
	Delay time.Duration
}

// Decide returns whether attemptNumber (1-based, the attempt that just
// finished) should be retried, and after what delay. Non-retriable
// statuses (invalid_payload) always give up. circuit_open and
// lock_conflict are deferrals handled upstream of this policy and should
// never be passed in here.
func (p Policy) Decide(attemptNumber int, status models.ExitStatus) Outcome {
	if !status.Retriable() {
		return Outcome{Retry: false}
	}
	if attemptNumber >= p.MaxRetries+1 {
		return Outcome{Retry: false}
	}

	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attemptNumber-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return Outcome{Retry: true, Delay: delay}
}
