package tier

import (
	"fmt"
	"strings"
)

// CompactOptions configures the tier-local compaction sub-engine.
type CompactOptions struct {
	MaxEntriesPerTier       int
	SummaryThresholdEntries int
	SummaryMaxEntries       int
}

// Snapshot copies tier's current content to archive/<tier>-<timestamp>.md,
// if non-empty. Exported for the compaction engine, which snapshots before
// every rewrite.
func (s *Store) Snapshot(t Tier) error {
	current, err := s.ReadTier(t)
	if err != nil {
		return err
	}
	return s.snapshot(t, current)
}

// NeedsTokenCompaction reports whether tier's content exceeds
// 4 * maxTierTokens characters (the ⌈chars/4⌉ token estimate inverted).
func (s *Store) NeedsTokenCompaction(t Tier, maxTierTokens int) (bool, error) {
	content, err := s.ReadTier(t)
	if err != nil {
		return false, err
	}
	return len(content) > 4*maxTierTokens, nil
}

// Compact runs the tier-local compaction sub-engine: dedupe by
// (iteration, item_id) and content hash, drop oldest entries past
// MaxEntriesPerTier, and — if still above SummaryThresholdEntries —
// coalesce multi-entry items into a single summarized entry per item
// (at most SummaryMaxEntries coalesced). Running twice on the same input
// produces byte-identical output.
func (s *Store) Compact(t Tier, opts CompactOptions) error {
	current, err := s.ReadTier(t)
	if err != nil {
		return err
	}
	current = ensureHeader(t, current)

	if err := s.Snapshot(t); err != nil {
		return err
	}

	preamble, entries := parseEntries(current)
	entries = dedupeEntries(entries)

	if opts.MaxEntriesPerTier > 0 && len(entries) > opts.MaxEntriesPerTier {
		sortEntriesOldestFirst(entries)
		drop := len(entries) - opts.MaxEntriesPerTier
		entries = entries[drop:]
	}

	if opts.SummaryThresholdEntries > 0 && len(entries) > opts.SummaryThresholdEntries {
		entries = coalesceByItem(entries, opts.SummaryMaxEntries)
	}

	sortEntriesNewestFirst(entries)
	next := renderTier(t, preamble, entries)
	if err := validateTier(t, next); err != nil {
		return err
	}
	return s.writeAtomic(t, next)
}

// dedupeEntries removes entries sharing (iteration, item_id) or an
// identical body content hash, keeping the first occurrence.
func dedupeEntries(entries []Entry) []Entry {
	seenKey := make(map[string]bool, len(entries))
	seenHash := make(map[string]bool, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		key := fmt.Sprintf("%d|%s", e.Iteration, e.ItemID)
		hash := contentHash(strings.Join(e.Body, "\n"))
		if seenKey[key] || seenHash[hash] {
			continue
		}
		seenKey[key] = true
		seenHash[hash] = true
		out = append(out, e)
	}
	return out
}

// coalesceByItem merges entries sharing an ItemID into a single
// "summarized" entry, for at most maxItems distinct items (oldest groups
// first), leaving single-entry items untouched.
func coalesceByItem(entries []Entry, maxItems int) []Entry {
	sortEntriesOldestFirst(entries)

	order := make([]string, 0)
	groups := make(map[string][]Entry)
	for _, e := range entries {
		if _, ok := groups[e.ItemID]; !ok {
			order = append(order, e.ItemID)
		}
		groups[e.ItemID] = append(groups[e.ItemID], e)
	}

	coalesced := 0
	out := make([]Entry, 0, len(entries))
	for _, itemID := range order {
		group := groups[itemID]
		if len(group) <= 1 || (maxItems > 0 && coalesced >= maxItems) {
			out = append(out, group...)
			continue
		}
		coalesced++
		merged := group[len(group)-1]
		var body []string
		seenLines := make(map[string]bool)
		for _, e := range group {
			for _, line := range e.Body {
				if seenLines[line] {
					continue
				}
				seenLines[line] = true
				body = append(body, line)
			}
		}
		merged.Body = body
		out = append(out, merged)
	}
	return out
}
