// Package compaction runs the synthesis passes that promote approved log
// entries into the three curated tier files (guardrails/style/recent) and
// index retrieval chunks, reusing the extractor's defensive JSON parser for
// its own LLM replies.
package compaction

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/antigravity-dev/mnemo/internal/config"
	"github.com/antigravity-dev/mnemo/internal/embedding"
	"github.com/antigravity-dev/mnemo/internal/extractor"
	"github.com/antigravity-dev/mnemo/internal/llmprovider"
	"github.com/antigravity-dev/mnemo/internal/retrypolicy"
	"github.com/antigravity-dev/mnemo/internal/store"
	"github.com/antigravity-dev/mnemo/internal/tier"
)

// Options governs one Run.
type Options struct {
	Force bool // reduces promote_pattern_after_occurrences to 1
}

// Report is the structured result of a compaction Run.
type Report struct {
	GuardrailsUpdated bool
	StyleUpdated      bool
	RecentUpdated     bool
	ChunksIndexed     int
	LLMRequests       int
	LLMResponses      int
}

// Engine runs the guardrails/style/recent/indexing passes.
type Engine struct {
	store     *store.Store
	tier      *tier.Store
	provider  llmprovider.Provider
	cfg       config.Compaction
	policy    retrypolicy.Policy
	embedDims int
}

func New(st *store.Store, tierStore *tier.Store, provider llmprovider.Provider, cfg config.Compaction) *Engine {
	return &Engine{
		store:    st,
		tier:     tierStore,
		provider: provider,
		cfg:      cfg,
		policy:   retrypolicy.Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 2},
	}
}

// WithEmbeddings attaches deterministic embedding vectors of dims
// dimensions to indexed chunks, so they participate in hybrid retrieval.
// Zero leaves chunks unembedded.
func (e *Engine) WithEmbeddings(dims int) *Engine {
	e.embedDims = dims
	return e
}

// Run executes all four passes under scope and returns a combined report.
func (e *Engine) Run(ctx context.Context, scope store.Scope, opts Options) (*Report, error) {
	report := &Report{}
	curationStatus := store.CurationStatus(e.cfg.CurationStatus)
	if curationStatus == "" {
		curationStatus = store.CurationApproved
	}

	guardrailEntries, err := e.store.GetEntriesByLabel(scope, []store.SemanticLabel{store.LabelHardFailure, store.LabelGotcha, store.LabelCorrection}, curationStatus, 0)
	if err != nil {
		return nil, fmt.Errorf("compaction: select guardrail entries: %w", err)
	}
	if updated, err := e.runBulletPass(ctx, tier.Guardrails, guardrailEntries, report); err != nil {
		return nil, err
	} else {
		report.GuardrailsUpdated = updated
	}

	prefEntries, err := e.store.GetEntriesByLabel(scope, []store.SemanticLabel{store.LabelPreference}, curationStatus, 0)
	if err != nil {
		return nil, fmt.Errorf("compaction: select preference entries: %w", err)
	}
	patternEntries, err := e.store.GetEntriesByLabel(scope, []store.SemanticLabel{store.LabelPattern}, curationStatus, 0)
	if err != nil {
		return nil, fmt.Errorf("compaction: select pattern entries: %w", err)
	}
	threshold := e.cfg.PromotePatternAfterOccurrences
	if threshold <= 0 {
		threshold = 3
	}
	if opts.Force {
		threshold = 1
	}
	promotedPatterns := promoteRepeatedPatterns(patternEntries, threshold)
	styleSource := append(append([]*store.LogEntry{}, prefEntries...), promotedPatterns...)
	if updated, err := e.runBulletPass(ctx, tier.Style, styleSource, report); err != nil {
		return nil, err
	} else {
		report.StyleUpdated = updated
	}

	recentUpdated, err := e.runRecentPass(ctx, scope, report)
	if err != nil {
		return nil, err
	}
	report.RecentUpdated = recentUpdated

	indexed, err := e.runIndexingPass(scope, append(append(append([]*store.LogEntry{}, guardrailEntries...), styleSource...), promotedPatterns...))
	if err != nil {
		return nil, err
	}
	report.ChunksIndexed = indexed

	if err := e.compactOversizedTiers(); err != nil {
		return nil, err
	}

	return report, nil
}

// compactOversizedTiers runs the tier-local compaction sub-engine on any
// tier whose content exceeds the max_tier_tokens character estimate.
func (e *Engine) compactOversizedTiers() error {
	maxTokens := e.cfg.MaxTierTokens
	if maxTokens <= 0 {
		maxTokens = 10000
	}
	for _, t := range []tier.Tier{tier.Guardrails, tier.Style, tier.Recent} {
		need, err := e.tier.NeedsTokenCompaction(t, maxTokens)
		if err != nil {
			return fmt.Errorf("compaction: token check %s: %w", t, err)
		}
		if !need {
			continue
		}
		if err := e.tier.Compact(t, tier.CompactOptions{
			MaxEntriesPerTier:       e.cfg.MaxEntriesPerTier[string(t)],
			SummaryThresholdEntries: e.cfg.SummaryThresholdEntries,
			SummaryMaxEntries:       e.cfg.SummaryMaxEntries,
		}); err != nil {
			return fmt.Errorf("compaction: token compact %s: %w", t, err)
		}
	}
	return nil
}

// promoteRepeatedPatterns keeps only patterns whose normalized content
// appears at least threshold times, per the style pass's promotion rule.
func promoteRepeatedPatterns(entries []*store.LogEntry, threshold int) []*store.LogEntry {
	counts := map[string]int{}
	for _, e := range entries {
		counts[normalizeKey(e.Content)]++
	}
	var out []*store.LogEntry
	seen := map[string]bool{}
	for _, e := range entries {
		key := normalizeKey(e.Content)
		if counts[key] >= threshold && !seen[key] {
			out = append(out, e)
			seen[key] = true
		}
	}
	return out
}

func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// renderCandidates formats entries per the "- id=<uuid> [<label>] <content>"
// template.
func renderCandidates(entries []*store.LogEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- id=%s [%s] %s\n", e.ID, e.Label, e.Content)
	}
	return b.String()
}

const compactionPromptTemplate = `Below are candidate knowledge entries. Synthesize them into a minimal set of durable rules or guidelines for a coding agent working in this repository. Merge duplicates and near-duplicates; drop anything that is not actionable.

Respond with JSON: {"items": [{"type": string, "rule": string, "why": string}]}. Use "rule" for guardrail-style hard constraints and "guideline" interchangeably with "rule" for style preferences.

Candidates:
%s`

// runBulletPass prompts the LLM over candidates, defensively parses the
// reply (falling back to a bullet-line regex), dedupes against the tier's
// existing content, and writes any new lines.
func (e *Engine) runBulletPass(ctx context.Context, t tier.Tier, entries []*store.LogEntry, report *Report) (bool, error) {
	if len(entries) == 0 {
		return false, nil
	}

	prompt := fmt.Sprintf(compactionPromptTemplate, renderCandidates(entries))
	report.LLMRequests++
	result, _, err := llmprovider.GenerateWithRetry(ctx, e.provider, e.policy,
		[]llmprovider.Message{{Role: llmprovider.RoleUser, Content: prompt}}, 0.2, 1024)
	if err != nil {
		return false, fmt.Errorf("compaction: %s pass LLM call: %w", t, err)
	}
	report.LLMResponses++

	lines := parseBulletLines(result.Content)
	if len(lines) == 0 {
		return false, nil
	}

	existing, err := e.tier.ReadTier(t)
	if err != nil {
		return false, err
	}
	existingKeys := existingBulletKeys(existing)

	var newLines []string
	for _, line := range lines {
		key := normalizeKey(line)
		if existingKeys[key] {
			continue
		}
		existingKeys[key] = true
		newLines = append(newLines, line)
	}
	if len(newLines) == 0 {
		return false, nil
	}

	entry := tier.NewEntry(time.Now(), 0, "compaction", false, newLines)
	return e.tier.WriteTier(t, entry, tier.WritePolicy{Mode: tier.ModeAppend, Deduplicate: true})
}

var bulletLinePattern = regexp.MustCompile(`(?m)^-\s*\[([A-Za-z_]+)\]\s*(.+)$`)

// parseBulletLines tries the extractor's defensive JSON parser first
// (expecting {"items":[{type,rule|guideline,why?}]}), falling back to a
// regex over "- [TYPE] text" bullet lines.
func parseBulletLines(reply string) []string {
	candidates := extractor.ParseCandidates(reply)
	var lines []string
	for _, c := range candidates {
		text, _ := c["rule"].(string)
		if text == "" {
			text, _ = c["guideline"].(string)
		}
		text = strings.TrimSpace(text)
		if text != "" {
			lines = append(lines, text)
		}
	}
	if len(lines) > 0 {
		return lines
	}

	for _, m := range bulletLinePattern.FindAllStringSubmatch(reply, -1) {
		text := strings.TrimSpace(m[2])
		if text != "" {
			lines = append(lines, text)
		}
	}
	return lines
}

// existingBulletKeys collects normalized-content keys already present in a
// tier file's entries, so a pass never reintroduces a line verbatim.
func existingBulletKeys(content string) map[string]bool {
	keys := map[string]bool{}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") {
			keys[normalizeKey(strings.TrimPrefix(trimmed, "- "))] = true
		}
	}
	return keys
}

// runRecentPass summarizes the last 20 completed sessions (or, absent
// those, the last 20 source sessions inferred from log entries) into
// "**YYYY-MM-DD**: summary" lines trimmed to a token budget.
func (e *Engine) runRecentPass(ctx context.Context, scope store.Scope, report *Report) (bool, error) {
	lines, err := e.recentLinesFromCompletedSessions(scope)
	if err != nil {
		return false, err
	}
	if len(lines) == 0 {
		lines, err = e.recentLinesFromSourceSessions(scope)
		if err != nil {
			return false, err
		}
	}
	if len(lines) == 0 {
		return false, nil
	}

	maxTokens := e.cfg.MaxRecentTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}
	lines = trimToCharBudget(lines, maxTokens*4)

	entry := tier.NewEntry(time.Now(), 0, "compaction", false, lines)
	return e.tier.WriteTier(tier.Recent, entry, tier.WritePolicy{Mode: tier.ModeAppend, Deduplicate: true})
}

// recentLinesFromCompletedSessions renders one line per completed user
// session, preferring the recorded summary over the task.
func (e *Engine) recentLinesFromCompletedSessions(scope store.Scope) ([]string, error) {
	sessions, err := e.store.ListSessions(scope, store.SessionCompleted, 20)
	if err != nil {
		return nil, fmt.Errorf("compaction: recent pass: %w", err)
	}
	var lines []string
	for _, sess := range sessions {
		text := sess.Summary
		if text == "" {
			text = sess.Task
		}
		if text == "" {
			continue
		}
		when := sess.StartedAt
		if sess.EndedAt != nil {
			when = *sess.EndedAt
		}
		lines = append(lines, fmt.Sprintf("**%s**: %s", when.UTC().Format("2006-01-02"), text))
	}
	return lines, nil
}

// recentLinesFromSourceSessions renders one line per recent source
// session, using up to 3 highlight entries each.
func (e *Engine) recentLinesFromSourceSessions(scope store.Scope) ([]string, error) {
	sessionIDs, err := e.store.ListRecentSourceSessions(scope, 20)
	if err != nil {
		return nil, fmt.Errorf("compaction: recent pass: %w", err)
	}
	var lines []string
	for _, sid := range sessionIDs {
		entries, err := e.store.GetEntriesBySourceSession(scope, sid)
		if err != nil || len(entries) == 0 {
			continue
		}
		highlights := highlightsForSession(entries, 3)
		if len(highlights) == 0 {
			continue
		}
		date := entries[len(entries)-1].Timestamp.UTC().Format("2006-01-02")
		lines = append(lines, fmt.Sprintf("**%s**: %s", date, strings.Join(highlights, "; ")))
	}
	return lines, nil
}

func highlightsForSession(entries []*store.LogEntry, max int) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Content)
		if len(out) >= max {
			break
		}
	}
	return out
}

func trimToCharBudget(lines []string, maxChars int) []string {
	var out []string
	total := 0
	for _, line := range lines {
		total += len(line) + 1
		if total > maxChars {
			break
		}
		out = append(out, line)
	}
	return out
}

// runIndexingPass stores a chunk for every entry already used by the other
// passes, plus any configured non-style labels gated by per-label
// min-confidence thresholds, skipping entries already chunked.
func (e *Engine) runIndexingPass(scope store.Scope, used []*store.LogEntry) (int, error) {
	candidates := append([]*store.LogEntry{}, used...)

	if e.cfg.IndexDecisionEntries {
		for _, label := range []struct {
			l   store.SemanticLabel
			min float64
		}{
			{store.LabelDecision, e.cfg.IndexDecisionMinConfidence},
			{store.LabelExploration, e.cfg.IndexExplorationMinConfidence},
			{store.LabelNarrative, e.cfg.IndexNarrativeMinConfidence},
		} {
			entries, err := e.store.GetEntriesByLabel(scope, []store.SemanticLabel{label.l}, store.CurationApproved, 0)
			if err != nil {
				return 0, fmt.Errorf("compaction: indexing pass select %s: %w", label.l, err)
			}
			for _, entry := range entries {
				if entry.Confidence >= label.min {
					candidates = append(candidates, entry)
				}
			}
		}
	}

	indexed := 0
	seen := map[string]bool{}
	for _, entry := range candidates {
		key := normalizeKey(entry.Content) + "|" + string(entry.Label)
		if seen[key] {
			continue
		}
		seen[key] = true

		has, err := e.store.HasChunk(scope, entry.Content, entry.Label)
		if err != nil {
			return indexed, fmt.Errorf("compaction: has_chunk: %w", err)
		}
		if has {
			continue
		}
		chunk := store.Chunk{
			Scope:     scope,
			Source:    store.ChunkSourceLogEntry,
			SourceIDs: []string{entry.ID},
			Content:   entry.Content,
			Label:     entry.Label,
			Tags:      entry.Tags,
			CreatedAt: time.Now().UTC(),
		}
		if e.embedDims > 0 {
			chunk.Embedding = embedding.Vector(entry.Content, e.embedDims)
		}
		if _, err := e.store.StoreChunk(chunk); err != nil {
			return indexed, fmt.Errorf("compaction: store_chunk: %w", err)
		}
		indexed++
	}
	return indexed, nil
}
