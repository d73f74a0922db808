package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLayoutForResolvesStandardPaths(t *testing.T) {
	l := layoutFor("/repo/.agent")
	if l.configPath != filepath.Join("/repo/.agent", "config.yaml") {
		t.Fatalf("unexpected config path: %s", l.configPath)
	}
	if l.ralphDir != filepath.Join("/repo/.agent", "ralph") {
		t.Fatalf("unexpected ralph dir: %s", l.ralphDir)
	}
}

func TestWriteContextBundleWritesAtomically(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "context")
	if err := writeContextBundle(dir, "# bundle\n"); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "bundle.md"))
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	if !strings.Contains(string(data), "# bundle") {
		t.Fatalf("unexpected bundle content: %s", data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".bundle-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestEnsurePRDMissingFile(t *testing.T) {
	if err := ensurePRD(filepath.Join(t.TempDir(), "prd.json")); err == nil {
		t.Fatal("expected an error for a missing PRD file")
	}
}

func TestEnsurePRDValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prd.json")
	doc := `{"project":"demo","items":[{"id":"item-1","title":"t","description":"d","passes":false}]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write prd: %v", err)
	}
	if err := ensurePRD(path); err != nil {
		t.Fatalf("ensurePRD: %v", err)
	}
}
