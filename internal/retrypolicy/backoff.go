// Package retrypolicy carries a small retry/backoff helper shared by every
// subsystem that talks to something flaky: the LLM provider and the shared
// storage backend. One policy type,
// one backoff formula, used everywhere instead of ad-hoc for-loops.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"
)

// Delay calculates the delay before the next retry attempt.
// Uses exponential backoff: base * factor^(attempt-1) with jitter, capped at maxDelay.
func Delay(attempt int, base, maxDelay time.Duration, factor float64) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if factor < 1.0 {
		factor = 1.0
	}

	backoff := float64(base) * math.Pow(factor, float64(attempt-1))
	if math.IsNaN(backoff) || math.IsInf(backoff, 0) {
		if maxDelay > 0 {
			backoff = float64(maxDelay)
		} else {
			backoff = float64(base)
		}
	}
	if maxDelay > 0 && backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	if backoff < float64(base) {
		backoff = float64(base)
	}

	jitter := 1.0 + (rand.Float64() * 0.1)
	return time.Duration(backoff * jitter)
}

// ShouldRetry reports whether enough time has passed since the last attempt
// given the current retry count and backoff parameters.
func ShouldRetry(lastAttempt time.Time, attempt int, base, maxDelay time.Duration, factor float64) bool {
	required := Delay(attempt, base, maxDelay, factor)
	return time.Since(lastAttempt) >= required
}
