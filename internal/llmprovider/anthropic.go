package llmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com"
const anthropicVersion = "2023-06-01"

// defaultRequestsPerSecond bounds outbound calls against Anthropic's
// per-minute rate limits; generous enough for one extractor/compaction pass
// at a time, which is all this module ever runs concurrently per provider.
const defaultRequestsPerSecond = 4

// Anthropic talks to the Anthropic messages API (single-shot, no SSE).
type Anthropic struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client

	limiter *rate.Limiter
}

// NewAnthropic builds a client; baseURL defaults to the public API when empty.
func NewAnthropic(apiKey, model, baseURL string, timeout time.Duration) *Anthropic {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Anthropic{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), 1),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   anthropicUsage          `json:"usage"`
	Type    string                  `json:"type"`
	Error   *anthropicError         `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Generate issues a single non-streaming /v1/messages call.
func (a *Anthropic) Generate(ctx context.Context, messages []Message, temperature float64, maxTokens int) (Result, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("llmprovider: anthropic: rate limiter: %w", err)
	}
	req := anthropicRequest{
		Model:       a.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	// Anthropic's messages API takes system prompts in a dedicated
	// top-level field, not as a message in the alternating user/assistant
	// array; folding a system-role Message in there would produce two
	// consecutive "user" entries and a 400.
	var systemParts []string
	for _, m := range messages {
		if m.Role == RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	req.System = strings.Join(systemParts, "\n\n")

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("llmprovider: anthropic: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("llmprovider: anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("llmprovider: anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("llmprovider: anthropic: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, &RateLimitError{Provider: "anthropic", Err: fmt.Errorf("status 429: %s", strings.TrimSpace(string(respBody)))}
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return Result{}, fmt.Errorf("llmprovider: anthropic: decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return Result{}, fmt.Errorf("llmprovider: anthropic: status %d: %s", resp.StatusCode, msg)
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return Result{
		Content: text.String(),
		Model:   decoded.Model,
		Usage:   &Usage{InputTokens: decoded.Usage.InputTokens, OutputTokens: decoded.Usage.OutputTokens},
	}, nil
}

// Validate sends a minimal request to confirm the API key and model work.
func (a *Anthropic) Validate(ctx context.Context) (bool, string) {
	_, err := a.Generate(ctx, []Message{{Role: RoleUser, Content: "ping"}}, 0, 8)
	if err != nil {
		return false, err.Error()
	}
	return true, ""
}
