// Package backoff computes exponential-with-jitter retry delays, shared by
// the worker runtime and the git artifact store's write retry loop.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy mirrors the teacher's RetryPolicy shape (internal/jobs/orchestrator/engine.go).
type Policy struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Default is base 1s, factor 2, cap 30s, 20% jitter — the values the
// teacher's computeBackoff falls back to when a RetryPolicy leaves them zero.
var Default = Policy{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.20}

// Compute returns the delay before the given attempt (1-indexed), picked
// uniformly from [d-jitter*d, d+jitter*d] where d = min*factor^(attempt-1),
// capped at max.
func (p Policy) Compute(attempt int) time.Duration {
	min := p.Min
	max := p.Max
	factor := p.Factor
	jitter := p.Jitter
	if min <= 0 {
		min = Default.Min
	}
	if max <= 0 {
		max = Default.Max
	}
	if factor <= 0 {
		factor = Default.Factor
	}
	if jitter <= 0 {
		jitter = Default.Jitter
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(min) * math.Pow(factor, float64(attempt-1)))
	if d > max {
		d = max
	}
	delta := float64(d) * jitter
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}
