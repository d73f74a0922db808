package retrypolicy

import (
	"context"
	"time"
)

// Policy controls how a flaky operation should be retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// Default is a sane default policy: 3 attempts, 1s base, 30s cap, x2 factor.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Factor: 2.0}
}

// Diagnostic records one attempt of a retried operation, preserved in the
// final error record per the "retry bookkeeping" design note: callers get
// the full (attempt, elapsed, kind, message) trail rather than just the
// last error.
type Diagnostic struct {
	Attempt   int
	ElapsedMS int64
	Kind      string
	Message   string
}

// Classifier inspects an error from one attempt and reports a short kind
// label plus whether the operation is worth retrying at all.
type Classifier func(err error) (kind string, retryable bool)

// Run invokes fn up to policy.MaxAttempts times, sleeping with jittered
// backoff between attempts classified as retryable. It returns the last
// error (nil on success) and the full diagnostic trail.
func Run(ctx context.Context, policy Policy, classify Classifier, fn func(ctx context.Context, attempt int) error) ([]Diagnostic, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var diags []Diagnostic
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		start := time.Now()
		err := fn(ctx, attempt)
		elapsed := time.Since(start)

		if err == nil {
			diags = append(diags, Diagnostic{Attempt: attempt, ElapsedMS: elapsed.Milliseconds(), Kind: "ok"})
			return diags, nil
		}

		kind, retryable := "other", false
		if classify != nil {
			kind, retryable = classify(err)
		}
		diags = append(diags, Diagnostic{Attempt: attempt, ElapsedMS: elapsed.Milliseconds(), Kind: kind, Message: err.Error()})
		lastErr = err

		if !retryable || attempt == policy.MaxAttempts {
			break
		}

		delay := Delay(attempt, policy.BaseDelay, policy.MaxDelay, policy.Factor)
		select {
		case <-ctx.Done():
			return diags, ctx.Err()
		case <-time.After(delay):
		}
	}

	return diags, lastErr
}
