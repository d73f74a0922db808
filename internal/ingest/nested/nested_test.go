package nested

import (
	"os"
	"path/filepath"
	"testing"
)

func writeJSON(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseSessionAssemblesPartsIntoMessages(t *testing.T) {
	dir := t.TempDir()
	sessionDir := filepath.Join(dir, "sess-1")

	writeJSON(t, filepath.Join(sessionDir, "session.json"),
		`{"id":"sess-1","title":"Fix bug","project_path":"/repo","created_at":"2026-01-01T00:00:00Z"}`)

	writeJSON(t, filepath.Join(sessionDir, "msg-001.json"),
		`{"id":"msg-001","role":"user","timestamp":"2026-01-01T00:00:01Z"}`)
	writeJSON(t, filepath.Join(sessionDir, "msg-001", "part", "p1.json"),
		`{"type":"text","text":"please fix the bug"}`)
	writeJSON(t, filepath.Join(sessionDir, "msg-001", "part", "p2.json"),
		`{"type":"file","filename":"main.go"}`)

	writeJSON(t, filepath.Join(sessionDir, "msg-002.json"),
		`{"id":"msg-002","role":"assistant","timestamp":"2026-01-01T00:00:02Z"}`)
	writeJSON(t, filepath.Join(sessionDir, "msg-002", "part", "p1.json"),
		`{"type":"text","text":"<file>package main</file>done"}`)
	writeJSON(t, filepath.Join(sessionDir, "msg-002", "part", "p2.json"),
		`{"type":"tool","tool":"ls","output":"main.go","success":true}`)
	writeJSON(t, filepath.Join(sessionDir, "msg-002", "part", "p3.json"),
		`{"type":"patch","path":"main.go","patch":"--- a\n+++ b"}`)

	ing := New(dir)
	session, err := ing.ParseSession(sessionDir)
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if session.Title != "Fix bug" {
		t.Fatalf("expected title from session root, got %q", session.Title)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(session.Messages), session.Messages)
	}

	userMsg := session.Messages[0]
	if userMsg.Content != "please fix the bug\n\nAttached files: main.go" {
		t.Fatalf("unexpected user content: %q", userMsg.Content)
	}

	assistantMsg := session.Messages[1]
	if assistantMsg.Content != "done" {
		t.Fatalf("expected synthetic <file> tag stripped, got %q", assistantMsg.Content)
	}
	if len(assistantMsg.ToolCalls) != 2 {
		t.Fatalf("expected tool + patch calls, got %+v", assistantMsg.ToolCalls)
	}
	if assistantMsg.ToolCalls[1].Name != "patch" {
		t.Fatalf("expected synthetic patch tool call, got %+v", assistantMsg.ToolCalls[1])
	}
}

func TestDiscoverSessionsFindsSessionRoots(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "a", "session.json"), `{"id":"a"}`)
	writeJSON(t, filepath.Join(dir, "b", "session.json"), `{"id":"b"}`)

	ing := New(dir)
	found, err := ing.DiscoverSessions(nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 session dirs, got %d: %v", len(found), found)
	}
}
