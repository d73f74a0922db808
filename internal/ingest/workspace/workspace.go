// Package workspace implements the workspace-SQLite ingester: it locates
// per-project workspace storage directories by matching a workspace.json
// manifest, then extracts chat transcripts from
// the workspace's key-value SQLite database across three payload shapes.
package workspace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/mnemo/internal/ingest"
)

const sourceName = "workspace"

// Ingester discovers and parses workspace-storage databases whose
// workspace.json manifest resolves to the configured project root.
type Ingester struct {
	StorageRoot   string // platform-specific root holding one dir per workspace
	ProjectRoot   string
	AllWorkspaces bool // opt into cross-project discovery
}

func New(storageRoot, projectRoot string, allWorkspaces bool) *Ingester {
	return &Ingester{StorageRoot: storageRoot, ProjectRoot: projectRoot, AllWorkspaces: allWorkspaces}
}

func (i *Ingester) SourceName() string { return sourceName }

type manifest struct {
	Folder    string `json:"folder"`
	Workspace string `json:"workspace"`
}

// DiscoverSessions walks StorageRoot recursively for workspace.json
// manifests whose folder/workspace URI resolves to ProjectRoot (unless
// AllWorkspaces is set), returning the state database path for each match.
func (i *Ingester) DiscoverSessions(since *time.Time) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(i.StorageRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if d.IsDir() || filepath.Base(path) != "workspace.json" {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		var m manifest
		if jerr := json.Unmarshal(data, &m); jerr != nil {
			return nil
		}
		uri := m.Folder
		if uri == "" {
			uri = m.Workspace
		}
		if uri == "" {
			return nil
		}
		resolved := decodeFileURI(uri)
		if !i.AllWorkspaces && resolved != "" && filepath.Clean(resolved) != filepath.Clean(i.ProjectRoot) {
			return nil
		}

		dbPath := filepath.Join(filepath.Dir(path), "state.vscdb")
		if _, statErr := os.Stat(dbPath); statErr == nil {
			if since == nil || !modTimeBefore(dbPath, *since) {
				matches = append(matches, dbPath)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace ingester: discover: %w", err)
	}
	return matches, nil
}

func modTimeBefore(path string, since time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(since)
}

func decodeFileURI(raw string) string {
	if !strings.HasPrefix(raw, "file://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimPrefix(raw, "file://")
	}
	return u.Path
}

// GetSessionID returns the stable "workspace-<dir-basename>" id for path.
func (i *Ingester) GetSessionID(path string) (string, error) {
	return ingest.MakeSessionID(sourceName, filepath.Base(filepath.Dir(path))), nil
}

// ParseSession opens the workspace database read-only and extracts messages
// from whichever of the three known payload shapes it finds. Non-JSON
// values and invalid rows are silently skipped.
func (i *Ingester) ParseSession(path string) (*ingest.RawSession, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("workspace ingester: open %s: %w", path, err)
	}
	defer db.Close()

	sessionID, _ := i.GetSessionID(path)
	var messages []ingest.RawMessage

	messages = append(messages, extractComposerMessages(db)...)
	messages = append(messages, extractAIServiceMessages(db)...)
	messages = append(messages, extractChatBubbles(db)...)

	messages = ingest.Normalize(messages)

	return &ingest.RawSession{
		Source:      sourceName,
		SessionID:   sessionID,
		Title:       ingest.InferTitle(sessionID, messages),
		ProjectPath: i.ProjectRoot,
		StartedAt:   time.Now().UTC(),
		Messages:    messages,
	}, nil
}

// extractComposerMessages reads the "composer" key family: JSON blobs keyed
// like "composerData:<id>" holding a conversation array.
func extractComposerMessages(db *sql.DB) []ingest.RawMessage {
	rows, err := db.Query(`SELECT value FROM ItemTable WHERE key LIKE 'composerData:%'`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []ingest.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var payload struct {
			Conversation []struct {
				Type int    `json:"type"` // 1 = user, 2 = assistant (defensive heuristic)
				Text string `json:"text"`
			} `json:"conversation"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		for _, turn := range payload.Conversation {
			role := ingest.RoleAssistant
			if turn.Type == 1 {
				role = ingest.RoleUser
			}
			if strings.TrimSpace(turn.Text) == "" {
				continue
			}
			out = append(out, ingest.RawMessage{Role: role, Content: turn.Text})
		}
	}
	return out
}

// extractAIServiceMessages reads the aiService.prompts/aiService.generations
// key pair: parallel arrays of user prompts and assistant generations.
func extractAIServiceMessages(db *sql.DB) []ingest.RawMessage {
	var promptsRaw, generationsRaw sql.NullString
	_ = db.QueryRow(`SELECT value FROM ItemTable WHERE key = 'aiService.prompts'`).Scan(&promptsRaw)
	_ = db.QueryRow(`SELECT value FROM ItemTable WHERE key = 'aiService.generations'`).Scan(&generationsRaw)

	var out []ingest.RawMessage
	if promptsRaw.Valid {
		var prompts []struct {
			Text string `json:"text"`
		}
		if json.Unmarshal([]byte(promptsRaw.String), &prompts) == nil {
			for _, p := range prompts {
				if strings.TrimSpace(p.Text) == "" {
					continue
				}
				out = append(out, ingest.RawMessage{Role: ingest.RoleUser, Content: p.Text})
			}
		}
	}
	if generationsRaw.Valid {
		var generations []struct {
			TextDescription string `json:"textDescription"`
		}
		if json.Unmarshal([]byte(generationsRaw.String), &generations) == nil {
			for _, g := range generations {
				if strings.TrimSpace(g.TextDescription) == "" {
					continue
				}
				out = append(out, ingest.RawMessage{Role: ingest.RoleAssistant, Content: g.TextDescription})
			}
		}
	}
	return out
}

// extractChatBubbles reads any "chat"/"chatdata" keyed blob containing
// nested "bubbles" arrays, a shape used by several chat-panel extensions.
func extractChatBubbles(db *sql.DB) []ingest.RawMessage {
	rows, err := db.Query(`SELECT value FROM ItemTable WHERE key LIKE '%chat%' OR key LIKE '%chatdata%'`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []ingest.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var payload struct {
			Tabs []struct {
				Bubbles []struct {
					Type string `json:"type"` // "user" | "ai"
					Text string `json:"text"`
				} `json:"bubbles"`
			} `json:"tabs"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		for _, tab := range payload.Tabs {
			for _, bubble := range tab.Bubbles {
				if strings.TrimSpace(bubble.Text) == "" {
					continue
				}
				role := ingest.RoleAssistant
				if bubble.Type == "user" {
					role = ingest.RoleUser
				}
				out = append(out, ingest.RawMessage{Role: role, Content: bubble.Text})
			}
		}
	}
	return out
}
