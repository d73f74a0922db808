package retriever

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/antigravity-dev/mnemo/internal/config"
	"github.com/antigravity-dev/mnemo/internal/embedding"
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

func TestAssembleIncludesAllThreeTiersAndRelevantSection(t *testing.T) {
	st, ts := setup(t)
	if _, err := st.StoreChunk(store.Chunk{
		Scope: store.DefaultScope, Source: store.ChunkSourceLogEntry,
		Content: "retry flaky network calls with exponential backoff", Label: store.LabelPattern, Tags: []string{"retry"},
	}); err != nil {
		t.Fatalf("store chunk: %v", err)
	}

	r := New(st, ts, config.Retrieval{})
	bundle, err := r.Assemble(store.DefaultScope, "fix flaky network calls")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !strings.Contains(bundle, "## Guardrails") || !strings.Contains(bundle, "## Style") || !strings.Contains(bundle, "## Recent") {
		t.Fatalf("expected all three tier sections, got:\n%s", bundle)
	}
	if !strings.Contains(bundle, "## Relevant to") {
		t.Fatalf("expected relevant section, got:\n%s", bundle)
	}
}

func TestRetrieveFTSBackendFindsMatchingChunk(t *testing.T) {
	st, ts := setup(t)
	if _, err := st.StoreChunk(store.Chunk{
		Scope: store.DefaultScope, Source: store.ChunkSourceLogEntry,
		Content: "use context.Context for cancellation in long-running handlers", Label: store.LabelPreference,
	}); err != nil {
		t.Fatalf("store chunk: %v", err)
	}

	r := New(st, ts, config.Retrieval{Backend: "fts5", TopK: 5})
	results, err := r.Retrieve(store.DefaultScope, "cancellation context")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 match, got %d", len(results))
	}
}

func TestRetrieveHybridBackendFusesEmbeddingSimilarity(t *testing.T) {
	st, ts := setup(t)
	cfg := config.Retrieval{Backend: "hybrid", TopK: 3, FusionK: 60, RerankCandidateK: 10, EmbeddingDimensions: 16}
	r := New(st, ts, cfg)

	if _, err := st.StoreChunk(store.Chunk{
		Scope: store.DefaultScope, Source: store.ChunkSourceLogEntry,
		Content: "always validate user input before writing to the database", Label: store.LabelPreference,
		Embedding: embedding.Vector("always validate user input before writing to the database", 16),
	}); err != nil {
		t.Fatalf("store chunk: %v", err)
	}

	results, err := r.Retrieve(store.DefaultScope, "validate input")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 fused result, got %d", len(results))
	}
}
