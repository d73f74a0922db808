package store

import (
	"database/sql"
	"fmt"
	"time"
)

// BackgroundSyncStatus reports the state of the single in-flight ingestion
// sync permitted per scope.
type BackgroundSyncStatus struct {
	Running     bool
	PID         int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Processed   int
	Learnings   int
	Error       string
}

// StartBackgroundSync marks a sync as running for scope. Returns an error
// if a sync is already running in the same scope — only one in-flight sync
// per .agent directory is permitted.
func (s *Store) StartBackgroundSync(scope Scope, pid int) error {
	if err := s.checkScope(scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var running int
	if err := s.db.QueryRow(`
		SELECT running FROM background_sync WHERE tenant_id = ? AND project_id = ?
	`, scope.TenantID, scope.ProjectID).Scan(&running); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: check background sync: %w", err)
	}
	if running == 1 {
		return fmt.Errorf("store: sync already running for this scope")
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO background_sync (tenant_id, project_id, running, pid, started_at, completed_at, processed, learnings, error)
		VALUES (?, ?, 1, ?, ?, NULL, 0, 0, '')
		ON CONFLICT(tenant_id, project_id) DO UPDATE SET
			running = 1, pid = excluded.pid, started_at = excluded.started_at,
			completed_at = NULL, processed = 0, learnings = 0, error = ''
	`, scope.TenantID, scope.ProjectID, pid, now)
	if err != nil {
		return fmt.Errorf("store: start background sync: %w", err)
	}
	return nil
}

// CompleteBackgroundSync marks the in-flight sync for scope complete.
func (s *Store) CompleteBackgroundSync(scope Scope, processed, learnings int, syncErr string) error {
	if err := s.checkScope(scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE background_sync SET running = 0, completed_at = ?, processed = ?, learnings = ?, error = ?
		WHERE tenant_id = ? AND project_id = ?
	`, now, processed, learnings, syncErr, scope.TenantID, scope.ProjectID)
	if err != nil {
		return fmt.Errorf("store: complete background sync: %w", err)
	}
	return nil
}

// GetBackgroundSyncStatus returns the current background sync status for
// scope.
func (s *Store) GetBackgroundSyncStatus(scope Scope) (BackgroundSyncStatus, error) {
	if err := s.checkScope(scope); err != nil {
		return BackgroundSyncStatus{}, err
	}
	row := s.db.QueryRow(`
		SELECT running, pid, started_at, completed_at, processed, learnings, error
		FROM background_sync WHERE tenant_id = ? AND project_id = ?
	`, scope.TenantID, scope.ProjectID)

	var status BackgroundSyncStatus
	var running int
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&running, &status.PID, &startedAt, &completedAt, &status.Processed, &status.Learnings, &status.Error); err != nil {
		if err == sql.ErrNoRows {
			return BackgroundSyncStatus{}, nil
		}
		return BackgroundSyncStatus{}, fmt.Errorf("store: get background sync status: %w", err)
	}
	status.Running = running == 1
	if startedAt.Valid {
		status.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		status.CompletedAt = &completedAt.Time
	}
	return status, nil
}
