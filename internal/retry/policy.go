// Package retry computes backoff delays for failed send attempts.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy is capped exponential backoff with optional additive jitter.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Jitter     bool
}

func NewPolicy(base, max time.Duration, maxRetries int, jitter bool) *Policy {
	return &Policy{
		BaseDelay:  base,
		MaxDelay:   max,
		MaxRetries: maxRetries,
		Jitter:     jitter,
	}
}

// Backoff returns the delay before the retry following the given 0-based
// attempt: min(base * 2^attempt, max), plus up to 25% additive jitter to
// spread out thundering herds.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		delay += delay * 0.25 * rand.Float64()
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after the given
// 0-based attempt number.
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}
