package provisioning

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy computes the delay before a retry attempt. Attempt starts
// at 1 for the first retry. Implementations must be safe for concurrent use.
type BackoffStrategy interface {
	NextInterval(attempt int) time.Duration
}

// ExponentialBackoff grows the delay geometrically and spreads retries with
// jitter so parallel tasks do not hit a recovering panel in lockstep.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
}

func (e ExponentialBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := e.InitialInterval
	if initial == 0 {
		initial = time.Second
	}
	max := e.MaxInterval
	if max == 0 {
		max = 30 * time.Second
	}
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))

	// Zero jitter stays deterministic, which the tests rely on.
	if e.JitterFactor > 0 {
		randomJitter := (rand.Float64()*2 - 1) * e.JitterFactor
		interval = interval * (1 + randomJitter)
	}

	if interval > float64(max) {
		interval = float64(max)
	}

	return time.Duration(interval)
}

// FixedBackoff retries at a constant interval.
type FixedBackoff struct {
	Interval time.Duration
}

func (f FixedBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

// DefaultBackoff is the production retry curve for panel calls.
func DefaultBackoff(base, max time.Duration) BackoffStrategy {
	return ExponentialBackoff{
		InitialInterval: base,
		MaxInterval:     max,
		Multiplier:      2,
		JitterFactor:    0.1,
	}
}
