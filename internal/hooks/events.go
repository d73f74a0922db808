package hooks

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ToolEvent is the JSON-lines record the post-tool-use hook appends.
type ToolEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Tool          string    `json:"tool"`
	Arguments     any       `json:"arguments"`
	ResultSummary string    `json:"result_summary"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

const resultSummaryMaxChars = 200

// Payload is the loosely-typed shape a host sends on a hook's stdin, per
// the "tool|name|tool_name, arguments|input|args, result|output,
// success|error|is_error" convention.
type Payload struct {
	Tool      string
	Arguments any
	Result    string
	Success   bool
	Error     string
}

// ParsePayload decodes a hook stdin payload, accepting any of the
// documented key aliases.
func ParsePayload(data []byte) (Payload, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Payload{}, fmt.Errorf("hooks: decode payload: %w", err)
	}
	p := Payload{Success: true}
	for _, key := range []string{"tool", "name", "tool_name"} {
		if v, ok := raw[key].(string); ok && v != "" {
			p.Tool = v
			break
		}
	}
	for _, key := range []string{"arguments", "input", "args"} {
		if v, ok := raw[key]; ok {
			p.Arguments = v
			break
		}
	}
	for _, key := range []string{"result", "output"} {
		if v, ok := raw[key].(string); ok {
			p.Result = v
			break
		}
	}
	if v, ok := raw["success"].(bool); ok {
		p.Success = v
	}
	for _, key := range []string{"error", "is_error"} {
		switch v := raw[key].(type) {
		case string:
			p.Error = v
			p.Success = false
		case bool:
			if v {
				p.Success = false
			}
		}
	}
	return p, nil
}

// MatchText renders the "<tool> <json(args)>" text the pre-tool hook
// matches patterns against.
func (p Payload) MatchText() string {
	argsJSON, _ := json.Marshal(p.Arguments)
	return fmt.Sprintf("%s %s", p.Tool, string(argsJSON))
}

// Blocked reports whether payload's match text matches any compiled
// pattern.
func Blocked(payload Payload, patterns []*regexp.Regexp) bool {
	text := payload.MatchText()
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// NewToolEvent builds a ToolEvent from payload, truncating ResultSummary to
// at most resultSummaryMaxChars bytes, the trailing "…" included.
func NewToolEvent(payload Payload, now time.Time) ToolEvent {
	summary := payload.Result
	if len(summary) > resultSummaryMaxChars {
		summary = summary[:resultSummaryMaxChars-len("…")] + "…"
	}
	return ToolEvent{
		Timestamp:     now,
		Tool:          payload.Tool,
		Arguments:     payload.Arguments,
		ResultSummary: strings.TrimSpace(summary),
		Success:       payload.Success,
		Error:         payload.Error,
	}
}
