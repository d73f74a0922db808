package llmprovider

import (
	"context"
	"errors"
	"strings"

	"github.com/antigravity-dev/mnemo/internal/retrypolicy"
)

// Classify implements retrypolicy.Classifier for LLM calls: rate limits and
// transient transport errors are retryable, everything else is not.
func Classify(err error) (kind string, retryable bool) {
	if err == nil {
		return "ok", false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return "rate_limited", true
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"timeout", "connection reset", "eof", "status 5", "temporarily unavailable"} {
		if strings.Contains(msg, substr) {
			return "transient", true
		}
	}
	return "other", false
}

// GenerateWithRetry wraps Provider.Generate in the shared retry policy: up
// to policy.MaxAttempts with jittered backoff on rate-limit/transient
// failures, per the retry-policy matrix's "LLM timeout"/"LLM rate-limit"
// rows. Non-retryable errors (including "LLM other") surface immediately.
func GenerateWithRetry(ctx context.Context, p Provider, policy retrypolicy.Policy, messages []Message, temperature float64, maxTokens int) (Result, []retrypolicy.Diagnostic, error) {
	var result Result
	diags, err := retrypolicy.Run(ctx, policy, Classify, func(ctx context.Context, attempt int) error {
		r, genErr := p.Generate(ctx, messages, temperature, maxTokens)
		if genErr != nil {
			return genErr
		}
		result = r
		return nil
	})
	return result, diags, err
}
