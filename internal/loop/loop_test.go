package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antigravity-dev/mnemo/internal/config"
	"github.com/antigravity-dev/mnemo/internal/store"
	"github.com/antigravity-dev/mnemo/internal/tier"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git not usable in this environment: %v (%s)", err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run("add", "a.txt")
	run("commit", "-q", "-m", "initial")
	return dir
}

func writePRD(t *testing.T, path string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal prd: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write prd: %v", err)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNextIterationNumberPicksSmallestUnused(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "iterations"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, n := range []int{1, 2, 4} {
		name := fmt.Sprintf("%03d.json", n)
		if err := os.WriteFile(filepath.Join(dir, "iterations", name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	n, err := NextIterationNumber(dir, 0)
	if err != nil {
		t.Fatalf("next iteration: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}

func TestRunOneValidationFailureProducesHardFailureGuardrailEntry(t *testing.T) {
	repo := initGitRepo(t)
	agentDir := t.TempDir()

	writePRD(t, filepath.Join(agentDir, "prd.json"), map[string]any{
		"project": "demo",
		"items": []map[string]any{
			{"id": "item-1", "title": "add a feature", "description": "do the thing", "passes": false},
		},
	})

	fakeAgent := filepath.Join(agentDir, "fake_agent.sh")
	if err := os.WriteFile(fakeAgent, []byte("#!/bin/sh\ncat > /dev/null\necho did work\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	failingValidation := "exit 1"

	st := openTestStore(t)
	tierStore := tier.New(agentDir, nil)

	d := New(agentDir, repo, st, tierStore, store.DefaultScope, config.Ralph{CodingCLI: "claude-code"}, failingValidation, nil)
	d.WithShellFallback(fakeAgent)

	report, err := d.RunOne(context.Background())
	if err != nil {
		t.Fatalf("run one: %v", err)
	}
	if report == nil || report.Outcome == nil || *report.Outcome != OutcomeValidationFailed {
		t.Fatalf("expected validation_failed outcome, got %+v", report)
	}

	guardrails, err := tierStore.ReadTier(tier.Guardrails)
	if err != nil {
		t.Fatalf("read guardrails: %v", err)
	}
	if !strings.Contains(guardrails, "HARD FAILURE") {
		t.Fatalf("expected a HARD FAILURE entry, got:\n%s", guardrails)
	}
}

func TestRunOneCompletedClearsSelectedPRDAndArchives(t *testing.T) {
	repo := initGitRepo(t)
	agentDir := t.TempDir()
	prdPath := filepath.Join(agentDir, "prd.json")
	writePRD(t, prdPath, map[string]any{
		"project": "demo",
		"items": []map[string]any{
			{"id": "item-1", "title": "add a feature", "description": "do the thing", "passes": false},
		},
	})

	fakeAgent := filepath.Join(agentDir, "fake_agent.sh")
	if err := os.WriteFile(fakeAgent, []byte("#!/bin/sh\ncat > /dev/null\necho ok\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}

	st := openTestStore(t)
	tierStore := tier.New(agentDir, nil)

	d := New(agentDir, repo, st, tierStore, store.DefaultScope, config.Ralph{CodingCLI: "claude-code", SelectedPRDIDs: []string{"item-1"}}, "", nil)
	d.WithShellFallback(fakeAgent)

	if _, err := d.RunOne(context.Background()); err != nil {
		t.Fatalf("run one: %v", err)
	}
	if d.cfg.SelectedPRDIDs != nil {
		t.Fatalf("expected selected PRD list cleared on clean pass, got %v", d.cfg.SelectedPRDIDs)
	}

	for _, tr := range []tier.Tier{tier.Guardrails, tier.Style, tier.Recent} {
		content, err := tierStore.ReadTier(tr)
		if err != nil {
			t.Fatalf("read %s: %v", tr, err)
		}
		if !strings.Contains(content, "Iteration 1 (item-1)") {
			t.Fatalf("expected an iteration entry in %s, got:\n%s", tr, content)
		}
	}
	guardrails, _ := tierStore.ReadTier(tier.Guardrails)
	if strings.Contains(guardrails, "HARD FAILURE") {
		t.Fatalf("clean pass must not write a hard-failure entry, got:\n%s", guardrails)
	}
}
