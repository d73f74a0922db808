package prd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/antigravity-dev/mnemo/internal/store"
)

func writeDoc(t *testing.T, path string, doc Document) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
}

func TestArchiveCompletedFromPRDMovesPassingItemsAndPrunesSource(t *testing.T) {
	dir := t.TempDir()
	prdPath := filepath.Join(dir, "prd.json")
	writeDoc(t, prdPath, Document{Project: "demo", Items: []Item{
		{ID: "1", Title: "done item", Passes: true},
		{ID: "2", Title: "not done", Passes: false},
	}})

	archive := NewArchive(filepath.Join(dir, "prd_archive.json"))
	archived, err := archive.ArchiveCompletedFromPRD(prdPath, 5, nil, store.DefaultScope)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("expected 1 archived, got %d", archived)
	}

	doc, err := ReadDocument(prdPath)
	if err != nil {
		t.Fatalf("read doc: %v", err)
	}
	if len(doc.Items) != 1 || doc.Items[0].ID != "2" {
		t.Fatalf("expected only item 2 to remain, got %+v", doc.Items)
	}

	items, err := archive.Load()
	if err != nil {
		t.Fatalf("load archive: %v", err)
	}
	if len(items) != 1 || items[0].ID != "1" || items[0].CompletionIteration != 5 {
		t.Fatalf("unexpected archive contents: %+v", items)
	}
}

func TestArchiveCompletedFromPRDReplacesOnReArchive(t *testing.T) {
	dir := t.TempDir()
	prdPath := filepath.Join(dir, "prd.json")
	writeDoc(t, prdPath, Document{Items: []Item{{ID: "1", Title: "first pass", Passes: true}}})

	archive := NewArchive(filepath.Join(dir, "prd_archive.json"))
	if _, err := archive.ArchiveCompletedFromPRD(prdPath, 1, nil, store.DefaultScope); err != nil {
		t.Fatalf("first archive: %v", err)
	}

	writeDoc(t, prdPath, Document{Items: []Item{{ID: "1", Title: "revised", Passes: true}}})
	if _, err := archive.ArchiveCompletedFromPRD(prdPath, 2, nil, store.DefaultScope); err != nil {
		t.Fatalf("second archive: %v", err)
	}

	items, err := archive.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 || items[0].Title != "revised" || items[0].CompletionIteration != 2 {
		t.Fatalf("expected replaced record, got %+v", items)
	}
}

func TestPruneOnlyRemovesPassingItemsWithoutArchiving(t *testing.T) {
	dir := t.TempDir()
	prdPath := filepath.Join(dir, "prd.json")
	writeDoc(t, prdPath, Document{Items: []Item{
		{ID: "1", Title: "shipped", Passes: true},
		{ID: "2", Title: "open", Passes: false},
	}})

	archive := NewArchive(filepath.Join(dir, "prd_archive.json"))
	pruned, err := archive.PruneOnly(prdPath)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}

	doc, err := ReadDocument(prdPath)
	if err != nil {
		t.Fatalf("read doc: %v", err)
	}
	if len(doc.Items) != 1 || doc.Items[0].ID != "2" {
		t.Fatalf("expected only item 2 to remain, got %+v", doc.Items)
	}

	items, err := archive.Load()
	if err != nil {
		t.Fatalf("load archive: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("prune-only must not archive, got %+v", items)
	}
}

func TestNextUnpassedHonorsSelectedList(t *testing.T) {
	doc := Document{Items: []Item{
		{ID: "a", Passes: true},
		{ID: "b", Passes: false},
		{ID: "c", Passes: false},
	}}
	item := NextUnpassed(doc, []string{"c"})
	if item == nil || item.ID != "c" {
		t.Fatalf("expected item c, got %+v", item)
	}
}

func TestSemanticSearchRanksByCosineSimilarity(t *testing.T) {
	dir := t.TempDir()
	archive := NewArchive(filepath.Join(dir, "prd_archive.json"))
	if err := archive.save([]ArchivedItem{
		{ID: "1", Title: "add retry with backoff for flaky network calls"},
		{ID: "2", Title: "unrelated unicode rendering fix"},
	}); err != nil {
		t.Fatalf("seed archive: %v", err)
	}

	results, err := archive.SemanticSearch("retry network backoff", 32, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}
