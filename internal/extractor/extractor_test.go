package extractor

import (
	"context"
	"testing"

	"github.com/antigravity-dev/mnemo/internal/ingest"
	"github.com/antigravity-dev/mnemo/internal/llmprovider"
	"github.com/antigravity-dev/mnemo/internal/store"
)

func session(messages ...ingest.RawMessage) *ingest.RawSession {
	return &ingest.RawSession{Source: "jsonl", SessionID: "jsonl-abc", Messages: messages}
}

func TestExtractReturnsEmptyForShortSessions(t *testing.T) {
	e := New(llmprovider.NewStub(`[]`), Config{})
	entries, err := e.Extract(context.Background(), session(ingest.RawMessage{Role: ingest.RoleUser, Content: "fix the bug please"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}

func TestExtractParsesAndCoercesCandidates(t *testing.T) {
	reply := `[{"content":"retry with exponential backoff on 429s","label":"pattern","confidence":0.9,"tags":["Retry","HTTP"]},
{"content":"","label":"decision"}]`
	e := New(llmprovider.NewStub(reply), Config{})
	sess := session(
		ingest.RawMessage{Role: ingest.RoleUser, Content: "the api keeps rate limiting us, what should we do"},
		ingest.RawMessage{Role: ingest.RoleAssistant, Content: "I'll add retry with exponential backoff and jitter on 429 responses so we don't hammer the endpoint. Each retry waits longer than the last one."},
	)

	entries, err := e.Extract(context.Background(), sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry (empty-content candidate dropped), got %d: %+v", len(entries), entries)
	}
	got := entries[0]
	if got.Label != store.LabelPattern {
		t.Fatalf("expected label pattern, got %s", got.Label)
	}
	if got.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", got.Confidence)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "retry" {
		t.Fatalf("expected lowercased tags, got %+v", got.Tags)
	}
	if got.Source != store.SourceExtracted || got.SourceSessionID != "jsonl-abc" {
		t.Fatalf("unexpected provenance: %+v", got)
	}
}

func TestExtractDedupesByLabelAndLowercasedContent(t *testing.T) {
	reply := `[{"content":"Use gofmt","label":"preference","confidence":0.8},
{"content":"use GOFMT","label":"preference","confidence":0.6}]`
	e := New(llmprovider.NewStub(reply), Config{})
	sess := session(
		ingest.RawMessage{Role: ingest.RoleUser, Content: "please always run gofmt before committing any go code"},
		ingest.RawMessage{Role: ingest.RoleAssistant, Content: "Got it, I'll run gofmt on every change before committing. I'll also run go vet across the whole module and fix any warnings it reports before pushing."},
	)

	entries, err := e.Extract(context.Background(), sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected dedup to 1 entry, got %d: %+v", len(entries), entries)
	}
}

func TestExtractRejectsBlockedWorkflowPhrases(t *testing.T) {
	reply := `[{"content":"mark this as todo for later","label":"narrative","confidence":0.5}]`
	e := New(llmprovider.NewStub(reply), Config{})
	sess := session(
		ingest.RawMessage{Role: ingest.RoleUser, Content: "what is the status of this task right now"},
		ingest.RawMessage{Role: ingest.RoleAssistant, Content: "Still working through the remaining steps of the plan. The parser changes are done and the remaining work is wiring the new flag into the command and updating its tests."},
	)

	entries, err := e.Extract(context.Background(), sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected blocked phrase to be rejected, got %+v", entries)
	}
}

func TestExtractMapsUnknownLabelViaFallbackTable(t *testing.T) {
	reply := `[{"content":"dead-ended on the websocket approach, switched to polling","label":"dead_end","confidence":0.6}]`
	e := New(llmprovider.NewStub(reply), Config{})
	sess := session(
		ingest.RawMessage{Role: ingest.RoleUser, Content: "can we use websockets for live updates in this feature"},
		ingest.RawMessage{Role: ingest.RoleAssistant, Content: "Tried websockets but the proxy drops long-lived connections, switching to polling instead. Polling every two seconds keeps the dashboard fresh enough."},
	)

	entries, err := e.Extract(context.Background(), sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Label != store.LabelExploration {
		t.Fatalf("expected fallback to exploration, got %+v", entries)
	}
}
