package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(dbPath, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t, Options{})
	stats, err := s.GetStats(DefaultScope)
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
}

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t, Options{})
	sess, err := s.CreateSession(DefaultScope, "fix the bug", "")
	require.NoError(t, err)
	require.Equal(t, SessionActive, sess.Status)

	got, err := s.GetSession(DefaultScope, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "fix the bug", got.Task)
}

func TestGetActiveSessionFindsOnlyOne(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.CreateSession(DefaultScope, "task one", "")
	require.NoError(t, err)

	active, err := s.GetActiveSession(DefaultScope)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, "task one", active.Task)
}

func TestUpdateSessionSetsEndedAtOnCompletion(t *testing.T) {
	s := openTestStore(t, Options{})
	sess, err := s.CreateSession(DefaultScope, "task", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateSession(DefaultScope, sess.ID, SessionCompleted, "done", nil))

	got, err := s.GetSession(DefaultScope, sess.ID)
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
	require.Equal(t, "done", got.Summary)
}

func TestAppendEntryIncrementsSessionEntryCount(t *testing.T) {
	s := openTestStore(t, Options{})
	sess, err := s.CreateSession(DefaultScope, "task", "")
	require.NoError(t, err)

	_, err = s.AppendEntry(LogEntry{
		Scope:     DefaultScope,
		SessionID: sess.ID,
		Source:    SourceExplicit,
		Content:   "use explicit scope everywhere",
		Label:     LabelPattern,
	})
	require.NoError(t, err)

	got, err := s.GetSession(DefaultScope, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.EntryCount)
}

func TestAppendEntryRejectsUnknownSession(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.AppendEntry(LogEntry{
		Scope:     DefaultScope,
		SessionID: "does-not-exist",
		Source:    SourceExplicit,
		Content:   "orphaned entry",
		Label:     LabelPattern,
	})
	require.Error(t, err)
}

func TestAppendEntryRejectsEmptyContent(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.AppendEntry(LogEntry{Scope: DefaultScope, Source: SourceManual, Content: "", Label: LabelPattern})
	require.Error(t, err)
}

func TestGetEntriesByLabelFiltersCurationStatus(t *testing.T) {
	s := openTestStore(t, Options{})
	e, err := s.AppendEntry(LogEntry{Scope: DefaultScope, Source: SourceManual, Content: "a gotcha", Label: LabelGotcha})
	require.NoError(t, err)
	require.NoError(t, s.SetCurationStatus(DefaultScope, e.ID, CurationApproved))

	entries, err := s.GetEntriesByLabel(DefaultScope, []SemanticLabel{LabelGotcha}, CurationApproved, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	none, err := s.GetEntriesByLabel(DefaultScope, []SemanticLabel{LabelGotcha}, CurationRejected, 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestNamespaceValidationRejectsDefaultScopeUnderSharedBackend(t *testing.T) {
	s := openTestStore(t, Options{RequireExplicitScope: true})
	_, err := s.CreateSession(DefaultScope, "task", "")
	require.Error(t, err)
}

func TestCrossTenantIsolation(t *testing.T) {
	s := openTestStore(t, Options{RequireExplicitScope: true})
	tenantA := Scope{TenantID: "acme", ProjectID: "widgets"}
	tenantB := Scope{TenantID: "beta", ProjectID: "widgets"}

	sess, err := s.CreateSession(tenantA, "secret task", "")
	require.NoError(t, err)

	got, err := s.GetSession(tenantB, sess.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	sessions, err := s.ListSessions(tenantB, "", 10)
	require.NoError(t, err)
	require.Empty(t, sessions)

	cp, err := s.GetSessionCheckpoint(tenantB, "some-source-session")
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestSessionCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{})
	require.NoError(t, s.SaveSessionCheckpoint(SessionCheckpoint{
		Scope:            DefaultScope,
		SourceSessionID:  "workspace-abc123",
		LastMessageIndex: 4,
		ContentHash:      "deadbeef",
	}))

	cp, err := s.GetSessionCheckpoint(DefaultScope, "workspace-abc123")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, 4, cp.LastMessageIndex)
	require.Equal(t, "deadbeef", cp.ContentHash)
}

func TestProcessedSessionMarkerRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{})
	processed, err := s.IsSessionProcessed(DefaultScope, "workspace-abc123")
	require.NoError(t, err)
	require.False(t, processed)

	require.NoError(t, s.MarkSessionProcessed(DefaultScope, "workspace", "workspace-abc123"))

	processed, err = s.IsSessionProcessed(DefaultScope, "workspace-abc123")
	require.NoError(t, err)
	require.True(t, processed)

	n, err := s.ClearProcessedSessions(DefaultScope, "workspace", "")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestBackgroundSyncSingleFlight(t *testing.T) {
	s := openTestStore(t, Options{})
	require.NoError(t, s.StartBackgroundSync(DefaultScope, 1234))

	err := s.StartBackgroundSync(DefaultScope, 5678)
	require.Error(t, err)

	status, err := s.GetBackgroundSyncStatus(DefaultScope)
	require.NoError(t, err)
	require.True(t, status.Running)
	require.Equal(t, 1234, status.PID)

	require.NoError(t, s.CompleteBackgroundSync(DefaultScope, 3, 7, ""))
	status, err = s.GetBackgroundSyncStatus(DefaultScope)
	require.NoError(t, err)
	require.False(t, status.Running)
	require.Equal(t, 3, status.Processed)

	require.NoError(t, s.StartBackgroundSync(DefaultScope, 9999))
}
