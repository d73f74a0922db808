package llmprovider

import "context"

// Stub echoes a fixed response regardless of input, so dedup/promotion
// tests are reproducible without a network collaborator.
type Stub struct {
	Response string
	Err      error
}

func NewStub(response string) *Stub {
	return &Stub{Response: response}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Generate(ctx context.Context, messages []Message, temperature float64, maxTokens int) (Result, error) {
	if s.Err != nil {
		return Result{}, s.Err
	}
	return Result{Content: s.Response, Model: "stub"}, nil
}

func (s *Stub) Validate(ctx context.Context) (bool, string) {
	if s.Err != nil {
		return false, s.Err.Error()
	}
	return true, ""
}
