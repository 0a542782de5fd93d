// Package backoff provides exponential backoff schedules for restart and
// retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential backoff schedule.
type Policy struct {
	// Initial is the delay for the first attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential growth factor between attempts.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top of
	// the base delay. Zero yields a deterministic schedule.
	Jitter float64
}

// Delay returns the backoff delay for the given attempt. Attempts start at 1;
// attempt n yields min(initial * factor^(n-1), max) plus jitter.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand computes the delay using the supplied random value in
// [0.0, 1.0). Tests use this to get deterministic results.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}

	base := float64(p.Initial) * math.Pow(factor, exp)
	jitter := base * p.Jitter * randomValue

	total := base + jitter
	if maxDelay := float64(p.Max); maxDelay > 0 && total > maxDelay {
		total = maxDelay
	}
	return time.Duration(total)
}

// RestartPolicy is the schedule used for supervised child restarts.
// Deterministic doubling so operators can predict the restart cadence.
func RestartPolicy(initial, max time.Duration) Policy {
	return Policy{Initial: initial, Max: max, Factor: 2}
}

// RetryPolicy is the schedule used for resource-read retries. A small jitter
// keeps a fleet of trackers from retrying in lockstep.
func RetryPolicy(initial, max time.Duration) Policy {
	return Policy{Initial: initial, Max: max, Factor: 2, Jitter: 0.1}
}
