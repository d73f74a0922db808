package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntrySource enumerates where a LogEntry originated.
type EntrySource string

const (
	SourceExplicit  EntrySource = "explicit"
	SourceIngested  EntrySource = "ingested"
	SourceExtracted EntrySource = "extracted"
	SourceManual    EntrySource = "manual"
)

// SemanticLabel enumerates the eight labels that gate tier promotion.
type SemanticLabel string

const (
	LabelHardFailure SemanticLabel = "hard_failure"
	LabelGotcha      SemanticLabel = "gotcha"
	LabelCorrection  SemanticLabel = "correction"
	LabelPreference  SemanticLabel = "preference"
	LabelPattern     SemanticLabel = "pattern"
	LabelDecision    SemanticLabel = "decision"
	LabelExploration SemanticLabel = "exploration"
	LabelNarrative   SemanticLabel = "narrative"
)

// ValidLabels is the closed set of semantic labels accepted by
// append_entry; callers coerce unknown extractor output into one of these.
var ValidLabels = map[SemanticLabel]bool{
	LabelHardFailure: true,
	LabelGotcha:      true,
	LabelCorrection:  true,
	LabelPreference:  true,
	LabelPattern:     true,
	LabelDecision:    true,
	LabelExploration: true,
	LabelNarrative:   true,
}

// CurationStatus enumerates entry curation states.
type CurationStatus string

const (
	CurationPending  CurationStatus = "pending"
	CurationApproved CurationStatus = "approved"
	CurationRejected CurationStatus = "rejected"
)

// LogEntry is the atomic captured-knowledge unit. Immutable
// after creation except for CurationStatus.
type LogEntry struct {
	ID              string
	Scope           Scope
	SessionID       string
	Source          EntrySource
	SourceSessionID string
	Timestamp       time.Time
	Content         string
	Label           SemanticLabel
	Tags            []string
	Confidence      float64
	CurationStatus  CurationStatus
	Metadata        map[string]any
}

// AppendEntry inserts a new log entry. When SessionID is set, the owning
// session's entry_count is incremented by exactly 1 in the same
// transaction.
func (s *Store) AppendEntry(entry LogEntry) (*LogEntry, error) {
	if err := s.checkScope(entry.Scope); err != nil {
		return nil, err
	}
	if len(entry.Content) == 0 || len(entry.Content) > 10000 {
		return nil, fmt.Errorf("store: log entry content must be 1-10000 chars, got %d", len(entry.Content))
	}
	if !ValidLabels[entry.Label] {
		return nil, fmt.Errorf("store: unknown semantic label %q", entry.Label)
	}
	if entry.Confidence < 0 || entry.Confidence > 1 {
		return nil, fmt.Errorf("store: confidence must be in [0,1], got %v", entry.Confidence)
	}
	if entry.CurationStatus == "" {
		entry.CurationStatus = CurationPending
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	tagsJSON, err := json.Marshal(entry.Tags)
	if err != nil {
		return nil, fmt.Errorf("store: marshal tags: %w", err)
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: marshal metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin append_entry tx: %w", err)
	}
	defer tx.Rollback()

	var sessionID sql.NullString
	if entry.SessionID != "" {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ? AND tenant_id = ? AND project_id = ?`,
			entry.SessionID, entry.Scope.TenantID, entry.Scope.ProjectID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("store: check owning session: %w", err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("store: session %s not found in scope for log entry", entry.SessionID)
		}
		sessionID = sql.NullString{String: entry.SessionID, Valid: true}
	}

	_, err = tx.Exec(`
		INSERT INTO log_entries (id, tenant_id, project_id, session_id, source, source_session_id,
			timestamp, content, label, tags, confidence, curation_status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Scope.TenantID, entry.Scope.ProjectID, sessionID, entry.Source, entry.SourceSessionID,
		entry.Timestamp, entry.Content, entry.Label, string(tagsJSON), entry.Confidence, entry.CurationStatus, string(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("store: insert log entry: %w", err)
	}

	if sessionID.Valid {
		if _, err := tx.Exec(`UPDATE sessions SET entry_count = entry_count + 1 WHERE id = ?`, sessionID.String); err != nil {
			return nil, fmt.Errorf("store: increment entry_count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit append_entry tx: %w", err)
	}
	return &entry, nil
}

// GetEntries returns all log entries for a session, oldest first.
func (s *Store) GetEntries(scope Scope, sessionID string) ([]*LogEntry, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT id, tenant_id, project_id, session_id, source, source_session_id, timestamp,
			content, label, tags, confidence, curation_status, metadata
		FROM log_entries
		WHERE tenant_id = ? AND project_id = ? AND session_id = ?
		ORDER BY timestamp ASC, created_at ASC
	`, scope.TenantID, scope.ProjectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: get entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetEntriesByLabel returns log entries matching any of labels, optionally
// filtered by curation status, newest first, bounded by limit.
func (s *Store) GetEntriesByLabel(scope Scope, labels []SemanticLabel, curationStatus CurationStatus, limit int) ([]*LogEntry, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}

	placeholders := ""
	args := []any{scope.TenantID, scope.ProjectID}
	for i, l := range labels {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, l)
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, project_id, session_id, source, source_session_id, timestamp,
			content, label, tags, confidence, curation_status, metadata
		FROM log_entries
		WHERE tenant_id = ? AND project_id = ? AND label IN (%s)
	`, placeholders)
	if curationStatus != "" {
		query += " AND curation_status = ?"
		args = append(args, curationStatus)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get entries by label: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetEntriesBySourceSession returns entries recorded against a raw
// ingester session id (SourceSessionID), oldest first — distinct from
// GetEntries, which looks up the owning sessions-table row. Extracted
// entries usually carry only a SourceSessionID.
func (s *Store) GetEntriesBySourceSession(scope Scope, sourceSessionID string) ([]*LogEntry, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT id, tenant_id, project_id, session_id, source, source_session_id, timestamp,
			content, label, tags, confidence, curation_status, metadata
		FROM log_entries
		WHERE tenant_id = ? AND project_id = ? AND source_session_id = ?
		ORDER BY timestamp ASC, created_at ASC
	`, scope.TenantID, scope.ProjectID, sourceSessionID)
	if err != nil {
		return nil, fmt.Errorf("store: get entries by source session: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SetCurationStatus updates the curation status of a single log entry.
func (s *Store) SetCurationStatus(scope Scope, id string, status CurationStatus) error {
	if err := s.checkScope(scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE log_entries SET curation_status = ? WHERE id = ? AND tenant_id = ? AND project_id = ?`,
		status, id, scope.TenantID, scope.ProjectID)
	if err != nil {
		return fmt.Errorf("store: set curation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: log entry %s not found in scope", id)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]*LogEntry, error) {
	var out []*LogEntry
	for rows.Next() {
		var e LogEntry
		var sessionID sql.NullString
		var tagsJSON, metaJSON string
		if err := rows.Scan(&e.ID, &e.Scope.TenantID, &e.Scope.ProjectID, &sessionID, &e.Source, &e.SourceSessionID,
			&e.Timestamp, &e.Content, &e.Label, &tagsJSON, &e.Confidence, &e.CurationStatus, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan log entry: %w", err)
		}
		if sessionID.Valid {
			e.SessionID = sessionID.String
		}
		if tagsJSON != "" {
			_ = json.Unmarshal([]byte(tagsJSON), &e.Tags)
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
