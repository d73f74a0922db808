package llmprovider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antigravity-dev/mnemo/internal/retrypolicy"
)

type flakyProvider struct {
	failures int
	calls    int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Generate(ctx context.Context, messages []Message, temperature float64, maxTokens int) (Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return Result{}, &RateLimitError{Provider: "flaky", Err: errors.New("slow down")}
	}
	return Result{Content: "ok"}, nil
}

func (f *flakyProvider) Validate(ctx context.Context) (bool, string) { return true, "" }

func TestGenerateWithRetrySucceedsAfterRateLimit(t *testing.T) {
	p := &flakyProvider{failures: 2}
	policy := retrypolicy.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}

	result, diags, err := GenerateWithRetry(context.Background(), p, policy, nil, 0, 0)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if result.Content != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(diags) != 3 {
		t.Fatalf("expected 3 diagnostic entries, got %d", len(diags))
	}
}

func TestClassifyTreatsOtherErrorsAsNonRetryable(t *testing.T) {
	kind, retryable := Classify(errors.New("invalid api key"))
	if retryable {
		t.Fatalf("expected non-retryable, got kind=%s", kind)
	}
}
