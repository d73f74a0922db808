package compaction

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/mnemo/internal/config"
	"github.com/antigravity-dev/mnemo/internal/llmprovider"
	"github.com/antigravity-dev/mnemo/internal/store"
	"github.com/antigravity-dev/mnemo/internal/tier"
)

func setup(t *testing.T) (*store.Store, *tier.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mnemo.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, tier.New(t.TempDir(), nil)
}

func TestRunPromotesApprovedGuardrailEntryIntoGuardrailsFile(t *testing.T) {
	st, ts := setup(t)
	_, err := st.AppendEntry(store.LogEntry{
		Scope: store.DefaultScope, Source: store.SourceExtracted, Content: "never force-push to main",
		Label: store.LabelHardFailure, Confidence: 0.9, CurationStatus: store.CurationApproved,
	})
	if err != nil {
		t.Fatalf("append entry: %v", err)
	}

	reply := `{"items":[{"type":"HARD_FAILURE","rule":"never force-push to main"}]}`
	engine := New(st, ts, llmprovider.NewStub(reply), config.Compaction{})

	report, err := engine.Run(context.Background(), store.DefaultScope, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.GuardrailsUpdated {
		t.Fatalf("expected guardrails updated, got %+v", report)
	}

	content, err := ts.ReadTier(tier.Guardrails)
	if err != nil {
		t.Fatalf("read tier: %v", err)
	}
	if !strings.Contains(content, "never force-push to main") {
		t.Fatalf("expected guardrails file to contain the promoted rule, got:\n%s", content)
	}
}

func TestRunOnlyPromotesPatternAboveThreshold(t *testing.T) {
	st, ts := setup(t)
	for i := 0; i < 2; i++ {
		if _, err := st.AppendEntry(store.LogEntry{
			Scope: store.DefaultScope, Source: store.SourceExtracted, Content: "always run gofmt before committing",
			Label: store.LabelPattern, Confidence: 0.8, CurationStatus: store.CurationApproved,
		}); err != nil {
			t.Fatalf("append entry: %v", err)
		}
	}

	reply := `{"items":[]}`
	cfg := config.Compaction{PromotePatternAfterOccurrences: 3}
	engine := New(st, ts, llmprovider.NewStub(reply), cfg)

	report, err := engine.Run(context.Background(), store.DefaultScope, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.StyleUpdated {
		t.Fatalf("expected no style update below the promotion threshold, got %+v", report)
	}
}

func TestRunRecentPassSummarizesCompletedSessions(t *testing.T) {
	st, ts := setup(t)
	sess, err := st.CreateSession(store.DefaultScope, "wire the payment provider", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	now := time.Now().UTC()
	if err := st.UpdateSession(store.DefaultScope, sess.ID, store.SessionCompleted, "wired the payment provider sandbox", &now); err != nil {
		t.Fatalf("complete session: %v", err)
	}

	engine := New(st, ts, llmprovider.NewStub(`{"items":[]}`), config.Compaction{})
	report, err := engine.Run(context.Background(), store.DefaultScope, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.RecentUpdated {
		t.Fatalf("expected recent tier update, got %+v", report)
	}

	content, err := ts.ReadTier(tier.Recent)
	if err != nil {
		t.Fatalf("read tier: %v", err)
	}
	if !strings.Contains(content, "wired the payment provider sandbox") {
		t.Fatalf("expected recent file to carry the session summary, got:\n%s", content)
	}
}

func TestRunCompactsOversizedTierByTokenBudget(t *testing.T) {
	st, ts := setup(t)
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		entry := tier.NewEntry(base.Add(time.Duration(i)*time.Minute), i, fmt.Sprintf("ITEM-%d", i), false,
			[]string{fmt.Sprintf("did thing number %d", i)})
		if _, err := ts.WriteTier(tier.Recent, entry, tier.WritePolicy{Mode: tier.ModeAppend}); err != nil {
			t.Fatalf("write tier: %v", err)
		}
	}

	cfg := config.Compaction{MaxTierTokens: 10, MaxEntriesPerTier: map[string]int{"recent": 2}}
	engine := New(st, ts, llmprovider.NewStub(`{"items":[]}`), cfg)
	if _, err := engine.Run(context.Background(), store.DefaultScope, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	content, err := ts.ReadTier(tier.Recent)
	if err != nil {
		t.Fatalf("read tier: %v", err)
	}
	sections := strings.Count(content, "\n## ")
	if sections != 2 {
		t.Fatalf("expected 2 sections after token compaction, got %d:\n%s", sections, content)
	}
}

func TestRunIndexesChunksForUsedEntries(t *testing.T) {
	st, ts := setup(t)
	if _, err := st.AppendEntry(store.LogEntry{
		Scope: store.DefaultScope, Source: store.SourceExtracted, Content: "prefer table-driven tests",
		Label: store.LabelPreference, Confidence: 0.8, CurationStatus: store.CurationApproved,
	}); err != nil {
		t.Fatalf("append entry: %v", err)
	}

	reply := `{"items":[{"type":"PREFERENCE","guideline":"prefer table-driven tests"}]}`
	engine := New(st, ts, llmprovider.NewStub(reply), config.Compaction{})

	report, err := engine.Run(context.Background(), store.DefaultScope, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.ChunksIndexed != 1 {
		t.Fatalf("expected 1 chunk indexed, got %+v", report)
	}

	has, err := st.HasChunk(store.DefaultScope, "prefer table-driven tests", store.LabelPreference)
	if err != nil || !has {
		t.Fatalf("expected chunk to exist, has=%v err=%v", has, err)
	}
}
