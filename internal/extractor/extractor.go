package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/mnemo/internal/errs"
	"github.com/antigravity-dev/mnemo/internal/ingest"
	"github.com/antigravity-dev/mnemo/internal/llmprovider"
	"github.com/antigravity-dev/mnemo/internal/retrypolicy"
	"github.com/antigravity-dev/mnemo/internal/store"
)

// Config governs batching and prompt shape.
type Config struct {
	MessagesPerBatch int
	Temperature      float64
	MaxTokens        int
	BatchTimeout     time.Duration
	RetryPolicy      retrypolicy.Policy
}

func defaults() Config {
	return Config{
		MessagesPerBatch: 100,
		Temperature:      0.1,
		MaxTokens:        2048,
		BatchTimeout:     45 * time.Second,
		RetryPolicy:      retrypolicy.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Factor: 1},
	}
}

// Extractor turns RawSessions into deduplicated LogEntry candidates.
type Extractor struct {
	provider llmprovider.Provider
	cfg      Config
	onBatch  func(processed, total int)
}

// New builds an Extractor. Zero-valued cfg fields fall back to defaults.
func New(provider llmprovider.Provider, cfg Config) *Extractor {
	d := defaults()
	if cfg.MessagesPerBatch <= 0 {
		cfg.MessagesPerBatch = d.MessagesPerBatch
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = d.Temperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = d.BatchTimeout
	}
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy = d.RetryPolicy
	}
	return &Extractor{provider: provider, cfg: cfg}
}

// OnBatch registers a progress callback invoked after each batch completes.
func (e *Extractor) OnBatch(fn func(processed, total int)) {
	e.onBatch = fn
}

// Extract renders session's messages into transcript batches, prompts the
// LLM, defensively parses each reply, and returns deduplicated LogEntry
// candidates ready for persistence. Each batch's LLM call is retried under
// the configured retry policy; an error that outlasts it is classified via
// llmprovider.Classify into the errs sentinel matching the retry-policy
// matrix and returned without processing the remaining batches — the
// caller (the ingestion pipeline) decides whether to retry the whole session.
func (e *Extractor) Extract(ctx context.Context, session *ingest.RawSession) ([]store.LogEntry, error) {
	if len(session.Messages) < 2 {
		return nil, nil
	}

	batches := batch(session.Messages, e.cfg.MessagesPerBatch)
	var all []store.LogEntry

	for i, b := range batches {
		transcript := renderTranscript(b)
		if !meetsMinimumLength(transcript) {
			if e.onBatch != nil {
				e.onBatch(i+1, len(batches))
			}
			continue
		}

		batchCtx, cancel := context.WithTimeout(ctx, e.cfg.BatchTimeout)
		reply, err := e.promptWithRetry(batchCtx, transcript)
		cancel()
		if err != nil {
			return all, classifyBatchError(session.SessionID, err)
		}

		candidates := ParseCandidates(reply)
		for _, c := range candidates {
			entry, ok := toLogEntry(c, session)
			if ok {
				all = append(all, entry)
			}
		}

		if e.onBatch != nil {
			e.onBatch(i+1, len(batches))
		}
	}

	return dedupe(all), nil
}

func (e *Extractor) promptWithRetry(ctx context.Context, transcript string) (string, error) {
	messages := []llmprovider.Message{
		{Role: llmprovider.RoleSystem, Content: systemPrompt},
		{Role: llmprovider.RoleUser, Content: userPrompt(transcript)},
	}
	result, _, err := llmprovider.GenerateWithRetry(ctx, e.provider, e.cfg.RetryPolicy, messages, e.cfg.Temperature, e.cfg.MaxTokens)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func classifyBatchError(sessionID string, err error) error {
	kind, _ := llmprovider.Classify(err)
	switch kind {
	case "rate_limited":
		return &errs.ExtractionRateLimited{SessionID: sessionID, Err: err}
	case "transient":
		return &errs.ExtractionTimeout{SessionID: sessionID, Err: err}
	default:
		return &errs.ExtractionFailed{SessionID: sessionID, Err: err}
	}
}

const systemPrompt = `You extract durable knowledge from a coding-agent transcript. Identify distinct learnings that would help a future agent working in the same repository. Each learning belongs to exactly one of these labels:

- hard_failure: an action that caused irrecoverable damage and must never be repeated
- gotcha: a non-obvious pitfall or surprising behavior
- correction: the user corrected a wrong approach
- preference: a stated style or workflow preference
- pattern: a reusable approach that worked
- decision: an architectural or design choice and its rationale
- exploration: a dead end or approach that was tried and abandoned
- narrative: a factual summary of what was done, with no lesson attached

Calibrate confidence in [0,1]: 0.9+ for explicit statements, 0.5-0.7 for inferred ones, below 0.4 for speculative guesses.

Respond with a JSON array of objects, each: {"content": string, "label": string, "confidence": number, "tags": [string]}. Omit anything that is workflow bookkeeping (plan status, ticket references, todo markers) rather than a durable learning.`

func userPrompt(transcript string) string {
	return "Transcript:\n\n" + transcript
}

var blockedPhrases = []string{
	"do not modify plan",
	"in_progress",
	"todo",
	"ticket",
	"workflow",
}

var labelFallback = map[string]store.SemanticLabel{
	"failure":      store.LabelHardFailure,
	"hard-failure": store.LabelHardFailure,
	"bug":          store.LabelGotcha,
	"pitfall":      store.LabelGotcha,
	"fix":          store.LabelCorrection,
	"style":        store.LabelPreference,
	"convention":   store.LabelPreference,
	"approach":     store.LabelPattern,
	"design":       store.LabelDecision,
	"architecture": store.LabelDecision,
	"dead_end":     store.LabelExploration,
	"dead-end":     store.LabelExploration,
	"summary":      store.LabelNarrative,
	"note":         store.LabelNarrative,
}

// toLogEntry validates and coerces a raw candidate map into a LogEntry.
// Returns ok=false when the candidate is empty, blocked, or otherwise
// unusable — the caller silently skips it rather than erroring the batch.
func toLogEntry(c map[string]any, session *ingest.RawSession) (store.LogEntry, bool) {
	content, _ := c["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return store.LogEntry{}, false
	}

	labelRaw, _ := c["label"].(string)
	labelRaw = strings.ToLower(strings.TrimSpace(labelRaw))
	if labelRaw == "" {
		return store.LogEntry{}, false
	}

	lower := strings.ToLower(content)
	for _, phrase := range blockedPhrases {
		if strings.Contains(lower, phrase) {
			return store.LogEntry{}, false
		}
	}

	label := store.SemanticLabel(labelRaw)
	if !store.ValidLabels[label] {
		fallback, ok := labelFallback[labelRaw]
		if !ok {
			return store.LogEntry{}, false
		}
		label = fallback
	}

	confidence := 0.7
	if v, ok := c["confidence"].(float64); ok {
		confidence = v
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	var tags []string
	if raw, ok := c["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok && strings.TrimSpace(s) != "" {
				tags = append(tags, strings.ToLower(strings.TrimSpace(s)))
			}
		}
	}

	evidence, _ := c["evidence"].(string)
	evidence = strings.TrimSpace(evidence)
	if evidence == "" {
		// The LLM reply doesn't always include a separate supporting
		// quote; fall back to the learning's own content as the
		// evidentiary excerpt.
		evidence = content
	}

	return store.LogEntry{
		Source:          store.SourceExtracted,
		SourceSessionID: session.SessionID,
		Timestamp:       time.Now().UTC(),
		Content:         content,
		Label:           label,
		Tags:            tags,
		Confidence:      confidence,
		CurationStatus:  store.CurationPending,
		Metadata: map[string]any{
			"evidence":     evidence,
			"source_tool":  session.Source,
			"extracted_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, true
}

// dedupe removes entries sharing a (label, lowercase-stripped content) key,
// keeping the first occurrence.
func dedupe(entries []store.LogEntry) []store.LogEntry {
	seen := make(map[string]bool, len(entries))
	out := make([]store.LogEntry, 0, len(entries))
	for _, e := range entries {
		key := fmt.Sprintf("%s|%s", e.Label, strings.ToLower(strings.TrimSpace(e.Content)))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}
