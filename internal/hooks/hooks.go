// Package hooks generates the small POSIX sh scripts dropped at
// ralph/hooks/{pre_tool_use,post_tool_use,notification} and installs them
// into a host settings file (a JSON document with hooks.PreToolUse /
// hooks.PostToolUse / hooks.Notification arrays).
package hooks

import (
	"bytes"
	"regexp"
	"strings"
	"text/template"
)

// DefaultBlockPatterns are always compiled in addition to any patterns
// extracted from the guardrails tier text.
var DefaultBlockPatterns = []string{
	`rm\s+-rf\s+/`,
	`git\s+push\s+--force`,
	`git\s+reset\s+--hard`,
	`DROP\s+TABLE`,
}

// guardrailPatternLine matches a line containing "block" or "blocked"
// (any case) followed by ":" or whitespace and then the pattern, optionally
// wrapped in backticks, running to the end of the line (e.g.
// "- block: <regex>"); anything else is not a pattern candidate.
var guardrailPatternLine = regexp.MustCompile("(?i)block(?:ed)?[:\\s]+`?([^`]+)`?\\s*$")

// ExtractGuardrailPatterns scans guardrails tier text for lines that name
// an explicit block pattern, returning the raw regex source strings.
func ExtractGuardrailPatterns(guardrailsText string) []string {
	var patterns []string
	for _, line := range strings.Split(guardrailsText, "\n") {
		if m := guardrailPatternLine.FindStringSubmatch(line); m != nil {
			patterns = append(patterns, strings.TrimSpace(m[1]))
		}
	}
	return patterns
}

// CompilePatterns builds the pre-tool hook's pattern set: guardrail-derived
// patterns plus DefaultBlockPatterns, silently skipping any that fail to
// compile as case-insensitive regexes.
func CompilePatterns(guardrailsText string) []*regexp.Regexp {
	var compiled []*regexp.Regexp
	for _, raw := range append(ExtractGuardrailPatterns(guardrailsText), DefaultBlockPatterns...) {
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

const preToolUseTemplate = `#!/bin/sh
# Generated pre-tool-use guard. Blocks matching tool invocations with exit 2.
set -eu

payload=$(cat)

patterns='
{{- range .Patterns }}
{{ . }}
{{- end }}
'

echo "$patterns" | while IFS= read -r pattern; do
  [ -z "$pattern" ] && continue
  if printf '%s' "$payload" | grep -Eiq -- "$pattern"; then
    echo "blocked by guardrail pattern: $pattern" >&2
    exit 2
  fi
done
exit 0
`

const postToolUseTemplate = `#!/bin/sh
# Generated post-tool-use logger. Appends a JSON-lines event record.
set -eu
mkdir -p "$(dirname "{{ .EventsLogPath }}")"
exec mnemo hooks emit-event -log "{{ .EventsLogPath }}"
`

const notificationTemplate = `#!/bin/sh
# Generated notification dispatcher. Platform-native, best-effort.
set -eu
message="$1"

case "$(uname -s)" in
  Darwin)
    osascript -e "display notification \"$message\" with title \"mnemo\"" 2>/dev/null || true
    ;;
  Linux)
    command -v notify-send >/dev/null 2>&1 && notify-send "mnemo" "$message" || true
    ;;
  *)
    ;;
esac
exit 0
`

// PreToolUseScript renders the pre-tool-use hook script for the given
// guardrails tier text.
func PreToolUseScript(guardrailsText string) (string, error) {
	patterns := append(ExtractGuardrailPatterns(guardrailsText), DefaultBlockPatterns...)
	return render(preToolUseTemplate, struct{ Patterns []string }{Patterns: patterns})
}

// PostToolUseScript renders the post-tool-use hook script appending events
// to eventsLogPath.
func PostToolUseScript(eventsLogPath string) (string, error) {
	return render(postToolUseTemplate, struct{ EventsLogPath string }{EventsLogPath: eventsLogPath})
}

// NotificationScript renders the platform-dispatching notification script.
func NotificationScript() (string, error) {
	return render(notificationTemplate, nil)
}

func render(tmpl string, data any) (string, error) {
	t, err := template.New("hook").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
