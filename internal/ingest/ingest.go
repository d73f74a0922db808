// Package ingest defines the shared contract and canonical types consumed
// by mnemo's three concrete source ingesters (workspace-SQLite, per-file
// JSONL, nested-JSON).
package ingest

import (
	"strconv"
	"strings"
	"time"
)

// Role enumerates a RawMessage's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RawToolCall is one tool invocation recorded inside a RawMessage.
type RawToolCall struct {
	Name       string
	Args       map[string]any
	Result     *string
	Success    bool
	DurationMs *int64
}

// RawMessage is one normalized turn in a RawSession's transcript.
type RawMessage struct {
	Role      Role
	Content   string
	Timestamp *time.Time
	ToolCalls []RawToolCall
}

// RawSession is the canonical, ingester-agnostic shape every source is
// normalized into.
type RawSession struct {
	Source      string
	SessionID   string
	Title       string
	ProjectPath string
	StartedAt   time.Time
	EndedAt     *time.Time
	Messages    []RawMessage
}

// Ingester is the capability set every concrete source implements.
// Dispatch across sources is table-driven by SourceName, not reflection.
type Ingester interface {
	SourceName() string
	DiscoverSessions(since *time.Time) ([]string, error)
	GetSessionID(path string) (string, error)
	ParseSession(path string) (*RawSession, error)
}

// MakeSessionID builds the stable "<source>-<native-id>" session id shape
// shared by all three ingesters.
func MakeSessionID(source, nativeID string) string {
	return source + "-" + nativeID
}

// DropTrivialMessages removes messages with fewer than three non-whitespace
// characters and no tool calls.
func DropTrivialMessages(messages []RawMessage) []RawMessage {
	out := make([]RawMessage, 0, len(messages))
	for _, m := range messages {
		if nonWhitespaceLen(m.Content) < 3 && len(m.ToolCalls) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !strings.ContainsRune(" \t\n\r\v\f", r) {
			n++
		}
	}
	return n
}

// CollapseAdjacentDuplicates removes a message when it has the same role
// and content as the immediately preceding one.
func CollapseAdjacentDuplicates(messages []RawMessage) []RawMessage {
	out := make([]RawMessage, 0, len(messages))
	for _, m := range messages {
		if n := len(out); n > 0 && out[n-1].Role == m.Role && out[n-1].Content == m.Content {
			continue
		}
		out = append(out, m)
	}
	return out
}

// InferTitle derives a session title: the first non-trivial user message
// trimmed to <=96 chars with an ellipsis when longer, otherwise the session
// id with separators replaced by spaces.
func InferTitle(sessionID string, messages []RawMessage) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		trimmed := strings.TrimSpace(m.Content)
		if nonWhitespaceLen(trimmed) < 3 {
			continue
		}
		runes := []rune(trimmed)
		if len(runes) > 96 {
			return string(runes[:96]) + "…"
		}
		return trimmed
	}
	replacer := strings.NewReplacer("-", " ", "_", " ", "/", " ")
	return replacer.Replace(sessionID)
}

// ParseTimestamp accepts ISO-8601 (with or without trailing Z),
// seconds-since-epoch, and milliseconds-since-epoch (heuristic: a numeric
// value > 10^12 is treated as milliseconds). Unparseable values return nil.
func ParseTimestamp(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return epochToTime(n)
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// ParseTimestampNumeric is the numeric overload used by sources that carry
// native int64/float64 timestamps instead of strings.
func ParseTimestampNumeric(n float64) *time.Time {
	return epochToTime(n)
}

func epochToTime(n float64) *time.Time {
	var t time.Time
	if n > 1e12 {
		t = time.UnixMilli(int64(n)).UTC()
	} else {
		t = time.Unix(int64(n), 0).UTC()
	}
	return &t
}

// Normalize applies the normalization invariants common to all three
// ingesters: drop trivial messages, then collapse adjacent duplicates.
func Normalize(messages []RawMessage) []RawMessage {
	return CollapseAdjacentDuplicates(DropTrivialMessages(messages))
}
