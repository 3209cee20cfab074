package twophase

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackoff returns the wait schedule between acquisition attempts:
// exponential from initial up to max with 50% jitter. The acquisition
// deadline is enforced by the caller, not by the schedule.
func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
