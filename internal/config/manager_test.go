package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

const validConfig = `
llm:
  provider: anthropic
  model: claude-sonnet-4-5
retrieval:
  backend: fts5
storage:
  backend: local
`

func TestRWMutexManagerGetSet(t *testing.T) {
	initial := &Config{Theme: Theme{Name: "dark+"}}
	mgr := NewRWMutexManager(initial)

	got := mgr.Get()
	if got == nil {
		t.Fatal("expected initial config snapshot")
	}
	if got == initial {
		t.Fatal("expected manager to store cloned config on bootstrap")
	}
	if got.Theme.Name != "dark+" {
		t.Fatalf("unexpected initial theme: %q", got.Theme.Name)
	}

	next := &Config{Theme: Theme{Name: "light"}}
	mgr.Set(next)
	next.Theme.Name = "mutated"

	updated := mgr.Get()
	if updated == next {
		t.Fatal("expected manager to clone Set input")
	}
	if updated.Theme.Name != "light" {
		t.Fatalf("expected Set to keep its own snapshot, got %q", updated.Theme.Name)
	}
}

func TestRWMutexManagerReload(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	mgr := NewRWMutexManager(nil)

	if err := mgr.Reload(path); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	cfg := mgr.Get()
	if cfg == nil {
		t.Fatal("expected config after reload")
	}
	if cfg.LLM.Model != "claude-sonnet-4-5" {
		t.Fatalf("unexpected model: %q", cfg.LLM.Model)
	}
}

func TestRWMutexManagerReloadRejectsBadConfig(t *testing.T) {
	path := writeTestConfig(t, "storage:\n  backend: shared\n")
	mgr := NewRWMutexManager(&Config{Theme: Theme{Name: "dark+"}})

	if err := mgr.Reload(path); err == nil {
		t.Fatal("expected reload to fail validation for shared backend without base_url")
	}

	// Original config should remain untouched on failed reload.
	if mgr.Get().Theme.Name != "dark+" {
		t.Fatal("expected manager to keep prior config after failed reload")
	}
}

func TestRWMutexManagerConcurrentAccess(t *testing.T) {
	mgr := NewRWMutexManager(&Config{Theme: Theme{Name: "dark+"}})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = mgr.Get()
		}()
		go func(n int) {
			defer wg.Done()
			mgr.Set(&Config{Theme: Theme{Name: "dark+"}})
		}(i)
	}
	wg.Wait()
}

func TestLoadManagerRequiresPath(t *testing.T) {
	if _, err := LoadManager(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
