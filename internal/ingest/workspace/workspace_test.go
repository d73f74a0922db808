package workspace

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func writeManifest(t *testing.T, dir, folder string) {
	t.Helper()
	data, err := json.Marshal(map[string]string{"folder": folder})
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "workspace.json"), data, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func seedStateDB(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE ItemTable (key TEXT UNIQUE, value TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	composer := `{"conversation":[{"type":1,"text":"fix the login bug"},{"type":2,"text":"done, patched auth.go"}]}`
	if _, err := db.Exec(`INSERT INTO ItemTable (key, value) VALUES ('composerData:abc', ?)`, composer); err != nil {
		t.Fatalf("seed composer row: %v", err)
	}
}

func TestDiscoverSessionsMatchesProjectRoot(t *testing.T) {
	storageRoot := t.TempDir()
	projectRoot := t.TempDir()

	wsDir := filepath.Join(storageRoot, "ws-1")
	writeManifest(t, wsDir, "file://"+projectRoot)
	seedStateDB(t, filepath.Join(wsDir, "state.vscdb"))

	otherDir := filepath.Join(storageRoot, "ws-2")
	writeManifest(t, otherDir, "file:///some/other/project")
	seedStateDB(t, filepath.Join(otherDir, "state.vscdb"))

	ing := New(storageRoot, projectRoot, false)
	found, err := ing.DiscoverSessions(nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected only the matching workspace, got %d: %v", len(found), found)
	}
}

func TestParseSessionExtractsComposerConversation(t *testing.T) {
	storageRoot := t.TempDir()
	projectRoot := t.TempDir()
	wsDir := filepath.Join(storageRoot, "ws-1")
	writeManifest(t, wsDir, "file://"+projectRoot)
	dbPath := filepath.Join(wsDir, "state.vscdb")
	seedStateDB(t, dbPath)

	ing := New(storageRoot, projectRoot, false)
	session, err := ing.ParseSession(dbPath)
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected 2 messages from composer conversation, got %d: %+v", len(session.Messages), session.Messages)
	}
	if session.Messages[0].Content != "fix the login bug" {
		t.Fatalf("unexpected first message: %+v", session.Messages[0])
	}
}
