package tier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// entryHeaderPattern matches "## <ISO8601Z> Iteration <n> (<ITEM-ID>)".
var entryHeaderPattern = regexp.MustCompile(`^## (\S+) Iteration (\d+) \(([^)]+)\)\s*$`)

// hardFailureHeaderPattern matches the guardrails-only variant
// "## HARD FAILURE Iteration <n> (<ITEM-ID>)".
var hardFailureHeaderPattern = regexp.MustCompile(`^## HARD FAILURE Iteration (\d+) \(([^)]+)\)\s*$`)

// Entry is one parsed "## " section of a tier file.
type Entry struct {
	Timestamp   string // raw ISO8601Z token, empty for HARD FAILURE headers
	Iteration   int
	ItemID      string
	HardFailure bool
	Body        []string // "- "-prefixed lines, without the prefix
	raw         string   // full rendered header+body text, for dedup hashing
}

// NewEntry builds an Entry ready for rendering.
func NewEntry(timestamp time.Time, iteration int, itemID string, hardFailure bool, body []string) Entry {
	return Entry{
		Timestamp:   timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		Iteration:   iteration,
		ItemID:      itemID,
		HardFailure: hardFailure,
		Body:        body,
	}
}

// Render produces the "## ..." header line plus "- "-prefixed body lines.
func (e Entry) Render() string {
	var b strings.Builder
	if e.HardFailure {
		fmt.Fprintf(&b, "## HARD FAILURE Iteration %d (%s)\n", e.Iteration, e.ItemID)
	} else {
		fmt.Fprintf(&b, "## %s Iteration %d (%s)\n", e.Timestamp, e.Iteration, e.ItemID)
	}
	for _, line := range e.Body {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return b.String()
}

// contentHash is the normalized-whitespace lowercase SHA-256 (first 16 hex)
// used for dedup comparisons.
func contentHash(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	normalized := strings.Join(fields, " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// parseEntries splits a tier file's body into preamble (everything before
// the first "## " section) and a list of parsed Entry values.
func parseEntries(content string) (preamble string, entries []Entry) {
	lines := strings.Split(content, "\n")
	var cur *Entry
	var curLines []string
	var preambleLines []string

	flush := func() {
		if cur != nil {
			cur.Body = append([]string{}, curLines...)
			cur.raw = cur.Render()
			entries = append(entries, *cur)
		}
		cur = nil
		curLines = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if m := entryHeaderPattern.FindStringSubmatch(trimmed); m != nil {
			flush()
			n, _ := strconv.Atoi(m[2])
			cur = &Entry{Timestamp: m[1], Iteration: n, ItemID: m[3]}
			continue
		}
		if m := hardFailureHeaderPattern.FindStringSubmatch(trimmed); m != nil {
			flush()
			n, _ := strconv.Atoi(m[1])
			cur = &Entry{Iteration: n, ItemID: m[2], HardFailure: true}
			continue
		}
		if cur == nil {
			preambleLines = append(preambleLines, line)
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(trimmed), "- ") {
			curLines = append(curLines, strings.TrimPrefix(strings.TrimSpace(trimmed), "- "))
		}
	}
	flush()
	preamble = strings.Join(preambleLines, "\n")
	return preamble, entries
}

// sortEntriesNewestFirst orders entries by timestamp descending; HARD
// FAILURE entries (no timestamp) sort after timestamped ones.
func sortEntriesNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp == "" {
			return false
		}
		if entries[j].Timestamp == "" {
			return true
		}
		return entries[i].Timestamp > entries[j].Timestamp
	})
}
