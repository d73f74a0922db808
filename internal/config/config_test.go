package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, "llm:\n  provider: anthropic\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LLM.Temperature != 0.3 {
		t.Fatalf("expected default temperature 0.3, got %v", cfg.LLM.Temperature)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Fatalf("expected default max_tokens 4096, got %v", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.Timeout.Duration != 120*time.Second {
		t.Fatalf("expected default llm timeout 120s, got %v", cfg.LLM.Timeout.Duration)
	}
	if cfg.Retrieval.Backend != "fts5" {
		t.Fatalf("expected default retrieval backend fts5, got %q", cfg.Retrieval.Backend)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Fatalf("expected default top_k 5, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Compaction.MaxEntriesPerTier["guardrails"] != 50 {
		t.Fatalf("expected default guardrails budget 50, got %v", cfg.Compaction.MaxEntriesPerTier)
	}
	if cfg.Storage.Backend != "local" {
		t.Fatalf("expected default storage backend local, got %q", cfg.Storage.Backend)
	}
	if cfg.Ralph.CodingCLI != "claude-code" {
		t.Fatalf("expected default coding_cli claude-code, got %q", cfg.Ralph.CodingCLI)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeTestConfig(t, "llm:\n  timeout: 45s\nralph:\n  iteration_timeout: 2m\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Timeout.Duration != 45*time.Second {
		t.Fatalf("expected 45s timeout, got %v", cfg.LLM.Timeout.Duration)
	}
	if cfg.Ralph.IterationTimeout.Duration != 2*time.Minute {
		t.Fatalf("expected 2m iteration timeout, got %v", cfg.Ralph.IterationTimeout.Duration)
	}
}

func TestLoadRejectsInvalidRetrievalBackend(t *testing.T) {
	path := writeTestConfig(t, "retrieval:\n  backend: bm25only\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown retrieval backend")
	}
}

func TestLoadRejectsSharedBackendWithoutBaseURL(t *testing.T) {
	path := writeTestConfig(t, "storage:\n  backend: shared\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for shared backend missing base_url")
	}
}

func TestLoadRejectsSharedBackendWithDefaultScope(t *testing.T) {
	path := writeTestConfig(t, `
storage:
  backend: shared
  shared:
    base_url: https://store.example.com
    tenant_id: default
    project_id: default
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for default tenant/project under shared backend")
	}
}

func TestLoadAcceptsSharedBackendWithExplicitScope(t *testing.T) {
	path := writeTestConfig(t, `
storage:
  backend: shared
  shared:
    base_url: https://store.example.com
    tenant_id: acme
    project_id: widgets
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Shared.RetryAttempts != 3 {
		t.Fatalf("expected default retry_attempts 3, got %d", cfg.Storage.Shared.RetryAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir available")
	}
	got := ExpandHome("~/foo")
	want := filepath.Join(home, "foo")
	if got != want {
		t.Fatalf("ExpandHome(~/foo) = %q, want %q", got, want)
	}
}

func TestCloneIsolatesMutableFields(t *testing.T) {
	cfg := &Config{
		Compaction: Compaction{MaxEntriesPerTier: map[string]int{"guardrails": 50}},
		Ralph:      Ralph{SelectedPRDIDs: []string{"a", "b"}},
	}
	clone := cfg.Clone()
	clone.Compaction.MaxEntriesPerTier["guardrails"] = 999
	clone.Ralph.SelectedPRDIDs[0] = "mutated"

	if cfg.Compaction.MaxEntriesPerTier["guardrails"] != 50 {
		t.Fatal("expected original MaxEntriesPerTier to be unaffected by clone mutation")
	}
	if cfg.Ralph.SelectedPRDIDs[0] != "a" {
		t.Fatal("expected original SelectedPRDIDs to be unaffected by clone mutation")
	}
}
