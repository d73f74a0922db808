package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SessionCheckpoint tracks incremental ingestion progress for one
// source_session_id.
type SessionCheckpoint struct {
	Scope                Scope
	SourceSessionID      string
	LastMessageIndex     int
	LastMessageTimestamp *time.Time
	ContentHash          string
	UpdatedAt            time.Time
}

// GetSessionCheckpoint returns the checkpoint for a source session, or nil
// if none exists (including across scopes: a cross-tenant lookup reports
// "not found").
func (s *Store) GetSessionCheckpoint(scope Scope, sourceSessionID string) (*SessionCheckpoint, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		SELECT tenant_id, project_id, source_session_id, last_message_index, last_message_timestamp, content_hash, updated_at
		FROM session_checkpoints WHERE tenant_id = ? AND project_id = ? AND source_session_id = ?
	`, scope.TenantID, scope.ProjectID, sourceSessionID)

	var cp SessionCheckpoint
	var lastTS sql.NullTime
	if err := row.Scan(&cp.Scope.TenantID, &cp.Scope.ProjectID, &cp.SourceSessionID, &cp.LastMessageIndex,
		&lastTS, &cp.ContentHash, &cp.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get session checkpoint: %w", err)
	}
	if lastTS.Valid {
		cp.LastMessageTimestamp = &lastTS.Time
	}
	return &cp, nil
}

// SaveSessionCheckpoint upserts the checkpoint for a source session.
func (s *Store) SaveSessionCheckpoint(cp SessionCheckpoint) error {
	if err := s.checkScope(cp.Scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_checkpoints (tenant_id, project_id, source_session_id, last_message_index, last_message_timestamp, content_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, project_id, source_session_id) DO UPDATE SET
			last_message_index = excluded.last_message_index,
			last_message_timestamp = excluded.last_message_timestamp,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`, cp.Scope.TenantID, cp.Scope.ProjectID, cp.SourceSessionID, cp.LastMessageIndex,
		cp.LastMessageTimestamp, cp.ContentHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: save session checkpoint: %w", err)
	}
	return nil
}

// ClearSessionCheckpoints removes checkpoints in scope, optionally narrowed
// to one source or source_session_id, and returns the count removed.
func (s *Store) ClearSessionCheckpoints(scope Scope, source, sourceSessionID string) (int, error) {
	if err := s.checkScope(scope); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `DELETE FROM session_checkpoints WHERE tenant_id = ? AND project_id = ?`
	args := []any{scope.TenantID, scope.ProjectID}
	if source != "" {
		query += " AND source_session_id LIKE ?"
		args = append(args, source+"-%")
	}
	if sourceSessionID != "" {
		query += " AND source_session_id = ?"
		args = append(args, sourceSessionID)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: clear session checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: clear session checkpoints rows affected: %w", err)
	}
	return int(n), nil
}

// IsSessionProcessed reports whether source_session_id has a processed
// marker in scope.
func (s *Store) IsSessionProcessed(scope Scope, sourceSessionID string) (bool, error) {
	if err := s.checkScope(scope); err != nil {
		return false, err
	}
	var count int
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM processed_sessions WHERE tenant_id = ? AND project_id = ? AND source_session_id = ?
	`, scope.TenantID, scope.ProjectID, sourceSessionID).Scan(&count); err != nil {
		return false, fmt.Errorf("store: is_session_processed: %w", err)
	}
	return count > 0, nil
}

// MarkSessionProcessed records a processed-session marker for
// source_session_id in scope.
func (s *Store) MarkSessionProcessed(scope Scope, source, sourceSessionID string) error {
	if err := s.checkScope(scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO processed_sessions (tenant_id, project_id, source, source_session_id, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, project_id, source_session_id) DO UPDATE SET processed_at = excluded.processed_at
	`, scope.TenantID, scope.ProjectID, source, sourceSessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: mark session processed: %w", err)
	}
	return nil
}

// ClearProcessedSessions removes processed-session markers in scope,
// optionally narrowed to one source or source_session_id, returning the
// count removed.
func (s *Store) ClearProcessedSessions(scope Scope, source, sourceSessionID string) (int, error) {
	if err := s.checkScope(scope); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `DELETE FROM processed_sessions WHERE tenant_id = ? AND project_id = ?`
	args := []any{scope.TenantID, scope.ProjectID}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	if sourceSessionID != "" {
		query += " AND source_session_id = ?"
		args = append(args, sourceSessionID)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: clear processed sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: clear processed sessions rows affected: %w", err)
	}
	return int(n), nil
}

// GetLastProcessedAt returns the most recent processed_at timestamp in
// scope, or nil if no sessions have been processed.
func (s *Store) GetLastProcessedAt(scope Scope) (*time.Time, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	var ts sql.NullTime
	if err := s.db.QueryRow(`
		SELECT MAX(processed_at) FROM processed_sessions WHERE tenant_id = ? AND project_id = ?
	`, scope.TenantID, scope.ProjectID).Scan(&ts); err != nil {
		return nil, fmt.Errorf("store: get last processed at: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

// ListRecentSourceSessions returns the most recently processed
// source_session_ids in scope, newest first.
func (s *Store) ListRecentSourceSessions(scope Scope, limit int) ([]string, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT source_session_id FROM processed_sessions
		WHERE tenant_id = ? AND project_id = ?
		ORDER BY processed_at DESC LIMIT ?
	`, scope.TenantID, scope.ProjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent source sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan recent source session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
