// Package nested implements the nested-JSON ingester: a session is a
// directory holding one root session JSON file, one JSON file per
// message, and message directories of part/*.json files
// carrying text, file, tool, and patch parts.
package nested

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/mnemo/internal/ingest"
)

const sourceName = "nested"

// Ingester discovers and parses session directories under Root, each
// identified by a "session.json" root descriptor.
type Ingester struct {
	Root string
}

func New(root string) *Ingester {
	return &Ingester{Root: root}
}

func (i *Ingester) SourceName() string { return sourceName }

// DiscoverSessions returns the directory of every "session.json" found
// under Root, modified at or after since.
func (i *Ingester) DiscoverSessions(since *time.Time) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(i.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || filepath.Base(path) != "session.json" {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		if since == nil || !info.ModTime().Before(*since) {
			matches = append(matches, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("nested ingester: discover: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// GetSessionID returns the stable "nested-<dir-basename>" id.
func (i *Ingester) GetSessionID(dir string) (string, error) {
	return ingest.MakeSessionID(sourceName, filepath.Base(dir)), nil
}

type sessionRoot struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	ProjectPath string `json:"project_path"`
	CreatedAt   string `json:"created_at"`
}

type messageDoc struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
}

type part struct {
	Type string `json:"type"`
	// text
	Text string `json:"text"`
	// file
	Filename string `json:"filename"`
	// tool
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args"`
	Output  string          `json:"output"`
	Success *bool           `json:"success"`
	// patch
	Patch string `json:"patch"`
	Path  string `json:"path"`
}

var (
	syntheticFileTagPattern  = regexp.MustCompile(`(?s)<file>.*?</file>`)
	toolCallNarrationPattern = regexp.MustCompile(`^Called the \S+ tool.*$`)
)

// ParseSession reads a nested session directory into a RawSession: one
// message per message-dir, parts concatenated into content with file and
// patch parts folded into synthetic markers.
func (i *Ingester) ParseSession(dir string) (*ingest.RawSession, error) {
	rootData, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return nil, fmt.Errorf("nested ingester: read session.json: %w", err)
	}
	var root sessionRoot
	if err := json.Unmarshal(rootData, &root); err != nil {
		return nil, fmt.Errorf("nested ingester: parse session.json: %w", err)
	}

	sessionID, _ := i.GetSessionID(dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("nested ingester: read dir: %w", err)
	}

	var msgFiles []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "session.json" || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		msgFiles = append(msgFiles, e.Name())
	}
	sort.Strings(msgFiles)

	var messages []ingest.RawMessage
	for _, name := range msgFiles {
		msg, ok := i.parseMessage(dir, name)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}
	messages = ingest.Normalize(messages)

	started := ingest.ParseTimestamp(root.CreatedAt)
	startedAt := time.Now().UTC()
	if started != nil {
		startedAt = *started
	}

	title := root.Title
	if title == "" {
		title = ingest.InferTitle(sessionID, messages)
	}

	return &ingest.RawSession{
		Source:      sourceName,
		SessionID:   sessionID,
		Title:       title,
		ProjectPath: root.ProjectPath,
		StartedAt:   startedAt,
		Messages:    messages,
	}, nil
}

func (i *Ingester) parseMessage(dir, fileName string) (ingest.RawMessage, bool) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return ingest.RawMessage{}, false
	}
	var doc messageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return ingest.RawMessage{}, false
	}

	role := ingest.RoleAssistant
	if doc.Role == "user" {
		role = ingest.RoleUser
	}

	partsDir := filepath.Join(dir, strings.TrimSuffix(fileName, ".json"), "part")
	parts := readParts(partsDir)

	var textLines []string
	var attachedFiles []string
	var toolCalls []ingest.RawToolCall

	for _, p := range parts {
		switch p.Type {
		case "text":
			text := syntheticFileTagPattern.ReplaceAllString(p.Text, "")
			text = strings.TrimSpace(text)
			if text == "" || toolCallNarrationPattern.MatchString(text) {
				continue
			}
			textLines = append(textLines, text)
		case "file":
			if role == ingest.RoleUser && p.Filename != "" {
				attachedFiles = append(attachedFiles, p.Filename)
			}
		case "tool":
			var result *string
			if p.Output != "" {
				o := p.Output
				result = &o
			}
			success := p.Success == nil || *p.Success
			toolCalls = append(toolCalls, ingest.RawToolCall{
				Name:    p.Tool,
				Args:    parseArgs(p.Args),
				Result:  result,
				Success: success,
			})
		case "patch":
			summary := p.Path
			toolCalls = append(toolCalls, ingest.RawToolCall{
				Name:    "patch",
				Args:    map[string]any{"path": summary, "diff": p.Patch},
				Success: true,
			})
		}
	}

	if len(attachedFiles) > 0 {
		textLines = append(textLines, "Attached files: "+strings.Join(attachedFiles, ", "))
	}

	content := strings.Join(textLines, "\n\n")
	if content == "" && len(toolCalls) == 0 {
		return ingest.RawMessage{}, false
	}

	return ingest.RawMessage{
		Role:      role,
		Content:   content,
		Timestamp: ingest.ParseTimestamp(doc.Timestamp),
		ToolCalls: toolCalls,
	}, true
}

func readParts(partsDir string) []part {
	entries, err := os.ReadDir(partsDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var parts []part
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(partsDir, name))
		if err != nil {
			continue
		}
		var p part
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

func parseArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) == nil {
		return m
	}
	return nil
}
