// Package jsonl implements the per-file JSONL ingester: each session is
// one file of newline-delimited JSON records: session_meta, response_item
// (message), function_call/custom_tool_call
// plus their matching outputs linked by call_id — or, for older sessions,
// a single legacy JSON object holding the whole transcript inline.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/mnemo/internal/ingest"
)

const sourceName = "jsonl"

// Ingester discovers and parses ".jsonl" session transcripts under Root.
type Ingester struct {
	Root string
}

func New(root string) *Ingester {
	return &Ingester{Root: root}
}

func (i *Ingester) SourceName() string { return sourceName }

// DiscoverSessions returns every *.jsonl file under Root modified at or
// after since (all files when since is nil).
func (i *Ingester) DiscoverSessions(since *time.Time) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(i.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		if since == nil || !info.ModTime().Before(*since) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jsonl ingester: discover: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// GetSessionID returns the stable "jsonl-<filename-without-ext>" id.
func (i *Ingester) GetSessionID(path string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ingest.MakeSessionID(sourceName, base), nil
}

type record struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Timestamp string          `json:"timestamp"`
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Content   json.RawMessage `json:"content"`
	Output    json.RawMessage `json:"output"`
	Success   *bool           `json:"success"`
	Payload   json.RawMessage `json:"payload"` // legacy single-object form
}

// ParseSession reads the file line by line, joining function_call records
// to their matching *_output record by call_id, falling back to treating
// the whole file as one legacy JSON object when its trimmed content starts
// with "{", spans at most two lines, and has no later line starting with "{".
func (i *Ingester) ParseSession(path string) (*ingest.RawSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jsonl ingester: read %s: %w", path, err)
	}
	sessionID, _ := i.GetSessionID(path)

	if looksLikeLegacySingleObject(data) {
		return parseLegacy(data, sessionID, path)
	}

	messages, startedAt := parseRecords(data)
	messages = ingest.Normalize(messages)

	return &ingest.RawSession{
		Source:      sourceName,
		SessionID:   sessionID,
		Title:       ingest.InferTitle(sessionID, messages),
		ProjectPath: filepath.Dir(path),
		StartedAt:   startedAt,
		Messages:    messages,
	}, nil
}

func looksLikeLegacySingleObject(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	return !strings.Contains(trimmed, "\n{") && strings.Count(trimmed, "\n") < 2
}

// callSite locates a pending tool call within messages by message index and
// tool-call index, so its matching output record can be attached precisely.
type callSite struct {
	msgIdx  int
	callIdx int
}

// pendingCall is a still-open tool call awaiting its matching output
// record, tracked in call order so an output with no call_id can fall
// back to the most-recently-opened call.
type pendingCall struct {
	key  string
	site callSite
}

func parseRecords(data []byte) ([]ingest.RawMessage, time.Time) {
	var messages []ingest.RawMessage
	pending := map[string]callSite{}
	var pendingOrder []pendingCall
	var noIDSeq int
	var started time.Time

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		ts := ingest.ParseTimestamp(rec.Timestamp)
		if ts != nil && started.IsZero() {
			started = *ts
		}

		switch rec.Type {
		case "session_meta":
			continue

		case "response_item", "message":
			content := extractText(rec.Content)
			if content == "" {
				continue
			}
			role := ingest.RoleAssistant
			if rec.Role == "user" {
				role = ingest.RoleUser
			}
			messages = append(messages, ingest.RawMessage{Role: role, Content: content, Timestamp: ts})

		case "function_call", "custom_tool_call":
			if len(messages) == 0 {
				// A tool call with no preceding message gets a synthetic
				// assistant turn to attach to.
				messages = append(messages, ingest.RawMessage{Role: ingest.RoleAssistant, Timestamp: ts})
			}
			last := len(messages) - 1
			messages[last].ToolCalls = append(messages[last].ToolCalls, ingest.RawToolCall{Name: rec.Name, Args: parseArgs(rec.Arguments)})
			site := callSite{msgIdx: last, callIdx: len(messages[last].ToolCalls) - 1}

			key := rec.CallID
			if key == "" {
				noIDSeq++
				key = fmt.Sprintf("__noid_%d", noIDSeq)
			}
			pending[key] = site
			pendingOrder = append(pendingOrder, pendingCall{key: key, site: site})

		case "function_call_output", "custom_tool_call_output":
			result := extractText(rec.Output)
			success := rec.Success == nil || *rec.Success

			key := rec.CallID
			if key == "" {
				// No call_id on the output: attach to the last still-open call.
				if len(pendingOrder) == 0 {
					continue
				}
				key = pendingOrder[len(pendingOrder)-1].key
			}

			if site, ok := pending[key]; ok {
				tc := &messages[site.msgIdx].ToolCalls[site.callIdx]
				tc.Result = &result
				tc.Success = success
				delete(pending, key)
				pendingOrder = removePendingKey(pendingOrder, key)
			}
		}
	}

	if started.IsZero() {
		started = time.Now().UTC()
	}
	return messages, started
}

// removePendingKey drops the entry matching key from the ordered pending
// list, searching from the end since the resolved call is usually the
// most recently opened one.
func removePendingKey(order []pendingCall, key string) []pendingCall {
	for i := len(order) - 1; i >= 0; i-- {
		if order[i].key == key {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
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

// extractText handles both plain-string and block-array ("parts") content
// shapes used interchangeably across record types.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}

type legacyTranscript struct {
	SessionID string `json:"session_id"`
	Messages  []struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	} `json:"messages"`
}

func parseLegacy(data []byte, sessionID, path string) (*ingest.RawSession, error) {
	var t legacyTranscript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("jsonl ingester: parse legacy %s: %w", path, err)
	}
	var messages []ingest.RawMessage
	for _, m := range t.Messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := ingest.RoleAssistant
		if m.Role == "user" {
			role = ingest.RoleUser
		}
		messages = append(messages, ingest.RawMessage{Role: role, Content: content, Timestamp: ingest.ParseTimestamp(m.Timestamp)})
	}
	messages = ingest.Normalize(messages)
	return &ingest.RawSession{
		Source:      sourceName,
		SessionID:   sessionID,
		Title:       ingest.InferTitle(sessionID, messages),
		ProjectPath: filepath.Dir(path),
		StartedAt:   time.Now().UTC(),
		Messages:    messages,
	}, nil
}
