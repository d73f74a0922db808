package extractor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antigravity-dev/mnemo/internal/ingest"
)

const (
	transcriptMaxChars  = 5000
	transcriptHeadChars = 2500
	transcriptTailChars = 2000
	argsMaxChars        = 200
	resultMaxChars      = 300
	minRenderedChars    = 200
)

// renderTranscript builds a role-headed transcript of msgs, truncating tool
// call args/results and eliding an oversized middle, per the extractor's
// batch-rendering step.
func renderTranscript(msgs []ingest.RawMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "### %s\n%s\n", strings.ToUpper(string(m.Role)), m.Content)
		for _, tc := range m.ToolCalls {
			status := "OK"
			if !tc.Success {
				status = "ERR"
			}
			result := ""
			if tc.Result != nil {
				result = *tc.Result
			}
			fmt.Fprintf(&b, "-> Tool: %s %s args=%s result=%s\n",
				tc.Name, status, truncateMiddle(renderArgs(tc.Args), argsMaxChars), truncateMiddle(result, resultMaxChars))
		}
		b.WriteString("\n")
	}
	return elideMiddle(strings.TrimSpace(b.String()), transcriptMaxChars, transcriptHeadChars, transcriptTailChars)
}

func renderArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, " ")
}

func truncateMiddle(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// elideMiddle keeps head+tail chars and drops the middle with a marker when
// s exceeds max.
func elideMiddle(s string, max, head, tail int) string {
	if len(s) <= max {
		return s
	}
	return s[:head] + "\n…[elided]…\n" + s[len(s)-tail:]
}

// batch splits msgs into chunks of at most size, preserving order.
func batch(msgs []ingest.RawMessage, size int) [][]ingest.RawMessage {
	if size <= 0 {
		size = 100
	}
	var out [][]ingest.RawMessage
	for i := 0; i < len(msgs); i += size {
		end := i + size
		if end > len(msgs) {
			end = len(msgs)
		}
		out = append(out, msgs[i:end])
	}
	return out
}

func meetsMinimumLength(transcript string) bool {
	return len(transcript) >= minRenderedChars
}
