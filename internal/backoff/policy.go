// Package backoff provides exponential backoff with jitter for provider
// retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
	// MaxAttempts bounds the total number of attempts including the first.
	MaxAttempts int
}

// ProviderPolicy returns the retry policy applied to transient provider
// failures: 1s initial delay doubling per attempt, capped at 60s, five
// attempts total.
func ProviderPolicy() Policy {
	return Policy{
		Initial:     time.Second,
		Max:         60 * time.Second,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 5,
	}
}

// Delay calculates the backoff for a given attempt number. Attempts are
// 1-indexed; Delay(1) is the wait after the first failure.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// delayWithRand computes the delay using a supplied random value in
// [0.0, 1.0), for deterministic tests.
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}
