// Package extractor turns a raw ingested session into deduplicated
// LogEntry candidates by prompting an LLM provider and defensively parsing
// its reply — LLMs rarely return clean JSON, so this parser tries several
// fallback strategies before giving up.
package extractor

import (
	"encoding/json"
	"regexp"
	"strings"
)

var wrapperBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<analysis>.*?</analysis>`),
	regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// stripWrapperBlocks removes <think>/<analysis>/<reasoning> blocks some
// models wrap their JSON reply in, the same text-hygiene idiom used to
// strip a model's reasoning tags before presenting its reply.
func stripWrapperBlocks(s string) string {
	for _, p := range wrapperBlockPatterns {
		s = p.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// unwrapFence extracts the first ```json fenced block's content, if present.
func unwrapFence(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// wrapperKeys are the field names an object-shaped reply may nest its
// learnings array under.
var wrapperKeys = []string{"learnings", "entries", "items", "results", "data"}

// ParseCandidates defensively extracts a list of raw candidate objects from
// an LLM reply: strip wrapper blocks, unwrap a fence, try direct JSON
// decode, and on failure scan for balanced bracket/brace segments.
func ParseCandidates(raw string) []map[string]any {
	cleaned := unwrapFence(stripWrapperBlocks(raw))
	if cleaned == "" {
		return nil
	}

	if candidates, ok := tryDecode(cleaned); ok {
		return candidates
	}

	for _, segment := range balancedSegments(cleaned) {
		if candidates, ok := tryDecode(segment); ok {
			return candidates
		}
	}
	return nil
}

func tryDecode(s string) ([]map[string]any, bool) {
	var asArray []map[string]any
	if err := json.Unmarshal([]byte(s), &asArray); err == nil {
		return asArray, true
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &asObject); err == nil {
		for _, key := range wrapperKeys {
			raw, ok := asObject[key]
			if !ok {
				continue
			}
			var nested []map[string]any
			if err := json.Unmarshal(raw, &nested); err == nil {
				return nested, true
			}
		}
	}
	return nil, false
}

// balancedSegments scans s for top-level [...] and {...} substrings,
// respecting quoted-string escapes, and returns them longest-first so the
// caller tries the most promising candidate first.
func balancedSegments(s string) []string {
	var segments []string
	runes := []rune(s)

	for i := 0; i < len(runes); i++ {
		open := runes[i]
		var close rune
		switch open {
		case '[':
			close = ']'
		case '{':
			close = '}'
		default:
			continue
		}

		depth := 0
		inString := false
		escaped := false
		for j := i; j < len(runes); j++ {
			r := runes[j]
			if inString {
				if escaped {
					escaped = false
				} else if r == '\\' {
					escaped = true
				} else if r == '"' {
					inString = false
				}
				continue
			}
			switch r {
			case '"':
				inString = true
			case open:
				depth++
			case close:
				depth--
				if depth == 0 {
					segments = append(segments, string(runes[i:j+1]))
					i = j
					j = len(runes)
				}
			}
		}
	}

	sortByLengthDesc(segments)
	return segments
}

func sortByLengthDesc(segments []string) {
	for i := 1; i < len(segments); i++ {
		for j := i; j > 0 && len(segments[j-1]) < len(segments[j]); j-- {
			segments[j-1], segments[j] = segments[j], segments[j-1]
		}
	}
}
