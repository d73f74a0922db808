// Package prd owns the authored PRD (product requirements) file and its
// completed-item archive: parsing, item selection for the iteration loop,
// archiving passing items, and semantic search over archived items.
package prd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/antigravity-dev/mnemo/internal/embedding"
	"github.com/antigravity-dev/mnemo/internal/store"
)

// Item is one authored requirement, as read from ralph/prd.json.
type Item struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	UserStory   string   `json:"user_story"`
	Priority    *int     `json:"priority,omitempty"`
	Steps       []string `json:"steps"`
	Acceptance  []string `json:"acceptance"`
	Validation  []string `json:"validation"`
	Passes      bool     `json:"passes"`
}

// Document is the top-level shape of ralph/prd.json.
type Document struct {
	Project string `json:"project"`
	Version string `json:"version,omitempty"`
	Items   []Item `json:"items"`
}

// ArchivedItem is a completed PRD item record. One record per
// id; re-archiving replaces it.
type ArchivedItem struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	UserStory           string    `json:"user_story"`
	Steps               []string  `json:"steps"`
	AcceptanceCriteria  []string  `json:"acceptance_criteria"`
	ValidationCommands  []string  `json:"validation_commands"`
	CompletedAt         time.Time `json:"completed_at"`
	CompletionIteration int       `json:"completion_iteration"`
	KeyDecisions        []string  `json:"key_decisions,omitempty"`
	LessonsLearned      []string  `json:"lessons_learned,omitempty"`
	RelatedFiles        []string  `json:"related_files,omitempty"`
	CommitHashes        []string  `json:"commit_hashes,omitempty"`
}

// Archive owns prd_archive.json, read-modify-write with atomic rename.
type Archive struct {
	path string
}

func NewArchive(path string) *Archive {
	return &Archive{path: path}
}

// Load reads the archive, returning an empty slice if it does not yet exist.
func (a *Archive) Load() ([]ArchivedItem, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("prd: read archive: %w", err)
	}
	var items []ArchivedItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("prd: decode archive: %w", err)
	}
	return items, nil
}

// save writes items via write-temp-then-rename, never truncating in place.
func (a *Archive) save(items []ArchivedItem) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("prd: encode archive: %w", err)
	}
	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prd: create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".prd_archive-*.json")
	if err != nil {
		return fmt.Errorf("prd: create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("prd: write temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("prd: close temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("prd: rename temp archive: %w", err)
	}
	return nil
}

// upsert replaces any existing record sharing id, or appends.
func upsert(items []ArchivedItem, next ArchivedItem) []ArchivedItem {
	for i, existing := range items {
		if existing.ID == next.ID {
			items[i] = next
			return items
		}
	}
	return append(items, next)
}

// ArchiveCompletedFromPRD reads the PRD document at prdPath, archives every
// item with passes==true (replacing any archived record with the same id)
// at completionIteration, and prunes those items from the PRD file in a single rewrite. When st is
// non-nil, each newly archived item is also stored as an IMPORT-source
// chunk so it participates in semantic retrieval.
func (a *Archive) ArchiveCompletedFromPRD(prdPath string, completionIteration int, st *store.Store, scope store.Scope) (archived int, err error) {
	doc, err := readDocument(prdPath)
	if err != nil {
		return 0, err
	}

	existing, err := a.Load()
	if err != nil {
		return 0, err
	}

	var remaining []Item
	for _, item := range doc.Items {
		if !item.Passes {
			remaining = append(remaining, item)
			continue
		}
		record := ArchivedItem{
			ID:                  item.ID,
			Title:               item.Title,
			Description:         item.Description,
			UserStory:           item.UserStory,
			Steps:               item.Steps,
			AcceptanceCriteria:  item.Acceptance,
			ValidationCommands:  item.Validation,
			CompletedAt:         time.Now().UTC(),
			CompletionIteration: completionIteration,
		}
		existing = upsert(existing, record)
		archived++

		if st != nil {
			searchable := item.Title + "\n" + item.Description
			if _, err := st.StoreChunk(store.Chunk{
				Scope:     scope,
				Source:    store.ChunkSourceImport,
				SourceIDs: []string{item.ID},
				Content:   searchable,
				Label:     store.LabelNarrative,
				CreatedAt: time.Now().UTC(),
				Embedding: embedding.Vector(searchable, embedding.DefaultDimensions),
			}); err != nil {
				return archived, fmt.Errorf("prd: index archived item %s: %w", item.ID, err)
			}
		}
	}

	if archived == 0 {
		return 0, nil
	}

	doc.Items = remaining
	if err := writeDocument(prdPath, doc); err != nil {
		return archived, err
	}
	return archived, a.save(existing)
}

// PruneOnly removes passing items from the PRD file without archiving them.
func (a *Archive) PruneOnly(prdPath string) (pruned int, err error) {
	doc, err := readDocument(prdPath)
	if err != nil {
		return 0, err
	}
	var remaining []Item
	for _, item := range doc.Items {
		if item.Passes {
			pruned++
			continue
		}
		remaining = append(remaining, item)
	}
	if pruned == 0 {
		return 0, nil
	}
	doc.Items = remaining
	return pruned, writeDocument(prdPath, doc)
}

func readDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("prd: read document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("prd: decode document: %w", err)
	}
	return doc, nil
}

func writeDocument(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("prd: encode document: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".prd-*.json")
	if err != nil {
		return fmt.Errorf("prd: create temp document: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("prd: write temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("prd: close temp document: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// NextUnpassed returns the next item with passes==false, in document order
// (priority order, since authored items are expected pre-sorted), or nil
// when every item passes.
func NextUnpassed(doc Document, selectedIDs []string) *Item {
	if len(selectedIDs) > 0 {
		wanted := map[string]bool{}
		for _, id := range selectedIDs {
			wanted[id] = true
		}
		for i := range doc.Items {
			if wanted[doc.Items[i].ID] && !doc.Items[i].Passes {
				return &doc.Items[i]
			}
		}
		return nil
	}
	for i := range doc.Items {
		if !doc.Items[i].Passes {
			return &doc.Items[i]
		}
	}
	return nil
}

// ReadDocument is the exported form of readDocument for callers (the
// iteration loop) that need the live PRD without going through the archive.
func ReadDocument(path string) (Document, error) {
	return readDocument(path)
}

// SemanticSearch ranks archived items by cosine similarity of a
// deterministic embedding over each item's searchable text (title +
// description), returning the top limit matches.
func (a *Archive) SemanticSearch(query string, dimensions, limit int) ([]ArchivedItem, error) {
	items, err := a.Load()
	if err != nil {
		return nil, err
	}
	if dimensions <= 0 {
		dimensions = embedding.DefaultDimensions
	}
	if limit <= 0 {
		limit = 10
	}

	queryVec := embedding.Vector(query, dimensions)
	type scored struct {
		item ArchivedItem
		sim  float64
	}
	scoredItems := make([]scored, 0, len(items))
	for _, it := range items {
		text := it.Title + "\n" + it.Description
		scoredItems = append(scoredItems, scored{item: it, sim: embedding.Cosine(queryVec, embedding.Vector(text, dimensions))})
	}
	sort.SliceStable(scoredItems, func(i, j int) bool { return scoredItems[i].sim > scoredItems[j].sim })

	if len(scoredItems) > limit {
		scoredItems = scoredItems[:limit]
	}
	out := make([]ArchivedItem, len(scoredItems))
	for i, s := range scoredItems {
		out[i] = s.item
	}
	return out, nil
}
