package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChunkSource enumerates where an indexed Chunk originated.
type ChunkSource string

const (
	ChunkSourceLogEntry   ChunkSource = "log_entry"
	ChunkSourceCompaction ChunkSource = "compaction"
	ChunkSourceImport     ChunkSource = "import"
	ChunkSourceManual     ChunkSource = "manual"
)

// Chunk is an indexed retrieval unit. (normalize(content),
// label) is unique per scope.
type Chunk struct {
	ID         string
	Scope      Scope
	Source     ChunkSource
	SourceIDs  []string
	Content    string
	Label      SemanticLabel
	Tags       []string
	TokenCount *int
	Embedding  []float64
	CreatedAt  time.Time
}

// normalizeChunkContent collapses whitespace and lowercases content so
// near-duplicate chunks collide on the uniqueness constraint.
func normalizeChunkContent(content string) string {
	fields := strings.Fields(content)
	return strings.ToLower(strings.Join(fields, " "))
}

// HasChunk reports whether a chunk with the same normalized content and
// label already exists in scope.
func (s *Store) HasChunk(scope Scope, content string, label SemanticLabel) (bool, error) {
	if err := s.checkScope(scope); err != nil {
		return false, err
	}
	norm := normalizeChunkContent(content)
	var count int
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM chunks WHERE tenant_id = ? AND project_id = ? AND content_norm = ? AND label = ?
	`, scope.TenantID, scope.ProjectID, norm, label).Scan(&count); err != nil {
		return false, fmt.Errorf("store: has_chunk: %w", err)
	}
	return count > 0, nil
}

// StoreChunk inserts a new chunk. Returns the existing chunk (no error) if
// one with the same (normalize(content), label) already exists in scope —
// callers that want a hard duplicate error should call HasChunk first.
func (s *Store) StoreChunk(chunk Chunk) (*Chunk, error) {
	if err := s.checkScope(chunk.Scope); err != nil {
		return nil, err
	}
	if chunk.Content == "" {
		return nil, fmt.Errorf("store: chunk content must not be empty")
	}
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now().UTC()
	}
	norm := normalizeChunkContent(chunk.Content)

	sourceIDsJSON, err := json.Marshal(chunk.SourceIDs)
	if err != nil {
		return nil, fmt.Errorf("store: marshal source_ids: %w", err)
	}
	tagsJSON, err := json.Marshal(chunk.Tags)
	if err != nil {
		return nil, fmt.Errorf("store: marshal tags: %w", err)
	}
	var embeddingJSON sql.NullString
	if len(chunk.Embedding) > 0 {
		b, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return nil, fmt.Errorf("store: marshal embedding: %w", err)
		}
		embeddingJSON = sql.NullString{String: string(b), Valid: true}
	}
	var tokenCount sql.NullInt64
	if chunk.TokenCount != nil {
		tokenCount = sql.NullInt64{Int64: int64(*chunk.TokenCount), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getChunkByNorm(chunk.Scope, norm, chunk.Label)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	_, err = s.db.Exec(`
		INSERT INTO chunks (id, tenant_id, project_id, source, source_ids, content, content_norm, label, tags, token_count, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, chunk.ID, chunk.Scope.TenantID, chunk.Scope.ProjectID, chunk.Source, string(sourceIDsJSON),
		chunk.Content, norm, chunk.Label, string(tagsJSON), tokenCount, embeddingJSON, chunk.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert chunk: %w", err)
	}
	return &chunk, nil
}

func (s *Store) getChunkByNorm(scope Scope, norm string, label SemanticLabel) (*Chunk, error) {
	row := s.db.QueryRow(`
		SELECT id, tenant_id, project_id, source, source_ids, content, label, tags, token_count, embedding, created_at
		FROM chunks WHERE tenant_id = ? AND project_id = ? AND content_norm = ? AND label = ?
	`, scope.TenantID, scope.ProjectID, norm, label)
	c, err := scanChunkRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// SearchChunksFTS performs FTS5 full-text search over chunks in scope,
// ordered by BM25 relevance ascending (best match first). A malformed FTS5
// query returns an empty list rather than an error.
func (s *Store) SearchChunksFTS(scope Scope, query string, topK int) ([]*Chunk, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT c.id, c.tenant_id, c.project_id, c.source, c.source_ids, c.content, c.label, c.tags, c.token_count, c.embedding, c.created_at
		FROM chunks c
		JOIN chunks_fts f ON c.rowid_pk = f.rowid
		WHERE chunks_fts MATCH ? AND c.tenant_id = ? AND c.project_id = ?
		ORDER BY bm25(chunks_fts)
		LIMIT ?
	`, query, scope.TenantID, scope.ProjectID, topK)
	if err != nil {
		// FTS5 reports malformed MATCH expressions as query errors; the
		// contract is to degrade to an empty result, not fail the caller.
		return nil, nil
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

// ListChunksWithEmbeddings returns every chunk in scope that carries a
// stored embedding vector, for hybrid retrieval and the PRD archive's
// semantic search.
func (s *Store) ListChunksWithEmbeddings(scope Scope) ([]*Chunk, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT id, tenant_id, project_id, source, source_ids, content, label, tags, token_count, embedding, created_at
		FROM chunks WHERE tenant_id = ? AND project_id = ? AND embedding IS NOT NULL
		ORDER BY created_at DESC
	`, scope.TenantID, scope.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks with embeddings: %w", err)
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

func scanChunkRow(row *sql.Row) (*Chunk, error) {
	var c Chunk
	var sourceIDsJSON, tagsJSON string
	var tokenCount sql.NullInt64
	var embeddingJSON sql.NullString
	if err := row.Scan(&c.ID, &c.Scope.TenantID, &c.Scope.ProjectID, &c.Source, &sourceIDsJSON,
		&c.Content, &c.Label, &tagsJSON, &tokenCount, &embeddingJSON, &c.CreatedAt); err != nil {
		return nil, err
	}
	hydrateChunk(&c, sourceIDsJSON, tagsJSON, tokenCount, embeddingJSON)
	return &c, nil
}

func scanChunkRows(rows *sql.Rows) ([]*Chunk, error) {
	var out []*Chunk
	for rows.Next() {
		var c Chunk
		var sourceIDsJSON, tagsJSON string
		var tokenCount sql.NullInt64
		var embeddingJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.Scope.TenantID, &c.Scope.ProjectID, &c.Source, &sourceIDsJSON,
			&c.Content, &c.Label, &tagsJSON, &tokenCount, &embeddingJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		hydrateChunk(&c, sourceIDsJSON, tagsJSON, tokenCount, embeddingJSON)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func hydrateChunk(c *Chunk, sourceIDsJSON, tagsJSON string, tokenCount sql.NullInt64, embeddingJSON sql.NullString) {
	if sourceIDsJSON != "" {
		_ = json.Unmarshal([]byte(sourceIDsJSON), &c.SourceIDs)
	}
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &c.Tags)
	}
	if tokenCount.Valid {
		tc := int(tokenCount.Int64)
		c.TokenCount = &tc
	}
	if embeddingJSON.Valid {
		_ = json.Unmarshal([]byte(embeddingJSON.String), &c.Embedding)
	}
}
