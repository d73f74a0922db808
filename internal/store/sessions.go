package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates the lifecycle states of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// Session is an explicit work unit started by a user.
type Session struct {
	ID         string
	Scope      Scope
	Status     SessionStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	Task       string
	Summary    string
	EntryCount int
}

// CreateSession starts a new session. It is the caller's responsibility to
// ensure at most one active session exists per scope; callers typically
// check GetActiveSession first.
func (s *Store) CreateSession(scope Scope, task, summary string) (*Session, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	if task == "" {
		return nil, fmt.Errorf("store: session task must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &Session{
		ID:        uuid.NewString(),
		Scope:     scope,
		Status:    SessionActive,
		StartedAt: time.Now().UTC(),
		Task:      task,
		Summary:   summary,
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, tenant_id, project_id, status, started_at, task, summary, entry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, sess.ID, scope.TenantID, scope.ProjectID, sess.Status, sess.StartedAt, sess.Task, sess.Summary)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session by id within scope. Returns (nil, nil) when
// not found, including when the session belongs to a different scope.
func (s *Store) GetSession(scope Scope, id string) (*Session, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		SELECT id, tenant_id, project_id, status, started_at, ended_at, task, summary, entry_count
		FROM sessions WHERE id = ? AND tenant_id = ? AND project_id = ?
	`, id, scope.TenantID, scope.ProjectID)
	return scanSession(row)
}

// GetActiveSession returns the single active session for scope, if any.
func (s *Store) GetActiveSession(scope Scope) (*Session, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		SELECT id, tenant_id, project_id, status, started_at, ended_at, task, summary, entry_count
		FROM sessions WHERE tenant_id = ? AND project_id = ? AND status = 'active'
		ORDER BY started_at DESC LIMIT 1
	`, scope.TenantID, scope.ProjectID)
	return scanSession(row)
}

// ListSessions lists sessions in scope, optionally filtered by status, most
// recent first.
func (s *Store) ListSessions(scope Scope, status SessionStatus, limit int) ([]*Session, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`
			SELECT id, tenant_id, project_id, status, started_at, ended_at, task, summary, entry_count
			FROM sessions WHERE tenant_id = ? AND project_id = ?
			ORDER BY started_at DESC LIMIT ?
		`, scope.TenantID, scope.ProjectID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, tenant_id, project_id, status, started_at, ended_at, task, summary, entry_count
			FROM sessions WHERE tenant_id = ? AND project_id = ? AND status = ?
			ORDER BY started_at DESC LIMIT ?
		`, scope.TenantID, scope.ProjectID, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession mutates status/summary/ended_at for a session. Passing a
// nil endedAt leaves the existing value untouched unless status transitions
// away from active, in which case "now" is used if endedAt is nil.
func (s *Store) UpdateSession(scope Scope, id string, status SessionStatus, summary string, endedAt *time.Time) error {
	if err := s.checkScope(scope); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if status != "" && status != SessionActive && endedAt == nil {
		now := time.Now().UTC()
		endedAt = &now
	}

	res, err := s.db.Exec(`
		UPDATE sessions SET
			status = CASE WHEN ? = '' THEN status ELSE ? END,
			summary = CASE WHEN ? = '' THEN summary ELSE ? END,
			ended_at = COALESCE(?, ended_at)
		WHERE id = ? AND tenant_id = ? AND project_id = ?
	`, status, status, summary, summary, endedAt, id, scope.TenantID, scope.ProjectID)
	if err != nil {
		return fmt.Errorf("store: update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update session rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: session %s not found in scope", id)
	}
	return nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var endedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.Scope.TenantID, &sess.Scope.ProjectID, &sess.Status,
		&sess.StartedAt, &endedAt, &sess.Task, &sess.Summary, &sess.EntryCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	var sess Session
	var endedAt sql.NullTime
	if err := rows.Scan(&sess.ID, &sess.Scope.TenantID, &sess.Scope.ProjectID, &sess.Status,
		&sess.StartedAt, &endedAt, &sess.Task, &sess.Summary, &sess.EntryCount); err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}
