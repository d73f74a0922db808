package tier

import (
	"strings"
)

// WriteMode selects how WriteTier applies a new entry.
type WriteMode string

const (
	ModeAppend         WriteMode = "append"
	ModeReplaceSection WriteMode = "replace-section"
)

// WritePolicy governs a single WriteTier call.
type WritePolicy struct {
	Mode          WriteMode
	Deduplicate   bool
	MaxEntries    *int   // defaults to the tier's default budget when nil
	SectionTarget string // required for ModeReplaceSection
}

// WriteTier applies entry to tier's file under policy. Returns written=false
// when a duplicate was detected and skipped (not an error). Validation
// failures return a *errs.TierValidationError and leave the file untouched.
func (s *Store) WriteTier(t Tier, entry Entry, policy WritePolicy) (written bool, err error) {
	current, err := s.ReadTier(t)
	if err != nil {
		return false, err
	}
	current = ensureHeader(t, current)

	switch policy.Mode {
	case ModeReplaceSection:
		next, didWrite, rerr := replaceSection(current, policy.SectionTarget, entry)
		if rerr != nil {
			return false, rerr
		}
		if !didWrite {
			return false, nil
		}
		if err := validateTier(t, next); err != nil {
			return false, err
		}
		if err := s.writeAtomic(t, next); err != nil {
			return false, err
		}
		return true, nil

	default: // ModeAppend, and the zero value
		preamble, entries := parseEntries(current)

		if policy.Deduplicate && isDuplicate(current, entries, entry) {
			return false, nil
		}

		maxEntries := defaultMaxEntries[t]
		if policy.MaxEntries != nil {
			maxEntries = *policy.MaxEntries
		}
		if maxEntries > 0 && len(entries) >= maxEntries {
			sortEntriesOldestFirst(entries)
			drop := len(entries) - maxEntries + 1
			if drop > 0 && drop <= len(entries) {
				entries = entries[drop:]
			}
		}
		entries = append(entries, entry)

		next := renderTier(t, preamble, entries)
		if err := validateTier(t, next); err != nil {
			return false, err
		}
		if err := s.writeAtomic(t, next); err != nil {
			return false, err
		}
		return true, nil
	}
}

// isDuplicate reports whether entry is already present: either the content
// hash of any existing line in the file matches the hash of the entire new
// entry, or an existing (iteration, item_id) header pair matches.
func isDuplicate(content string, existing []Entry, entry Entry) bool {
	newHash := contentHash(strings.Join(entry.Body, "\n"))
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimPrefix(strings.TrimSpace(line), "- ")
		if trimmed == "" {
			continue
		}
		if contentHash(trimmed) == newHash {
			return true
		}
	}
	for _, e := range existing {
		if e.Iteration == entry.Iteration && e.ItemID == entry.ItemID {
			return true
		}
	}
	return false
}

func sortEntriesOldestFirst(entries []Entry) {
	sortEntriesNewestFirst(entries)
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

func renderTier(t Tier, preamble string, entries []Entry) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(preamble, "\n"))
	b.WriteString("\n")
	for _, e := range entries {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(e.Render(), "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// replaceSection finds the first "## " header whose text (case-insensitive)
// contains target and replaces from that line up to (but not including) the
// next "## " header or EOF.
func replaceSection(content, target string, entry Entry) (string, bool, error) {
	if strings.TrimSpace(target) == "" {
		return content, false, nil
	}
	lines := strings.Split(content, "\n")
	targetLower := strings.ToLower(target)

	start := -1
	end := len(lines)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "## ") {
			continue
		}
		if start == -1 {
			if strings.Contains(strings.ToLower(trimmed), targetLower) {
				start = i
				continue
			}
			continue
		}
		end = i
		break
	}
	if start == -1 {
		return content, false, nil
	}

	var b strings.Builder
	b.WriteString(strings.Join(lines[:start], "\n"))
	if start > 0 {
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimRight(entry.Render(), "\n"))
	b.WriteString("\n")
	if end < len(lines) {
		b.WriteString(strings.Join(lines[end:], "\n"))
	}
	return b.String(), true, nil
}
