// Package pipeline orchestrates the ingestion flow: discover sessions
// across configured ingesters, compare against checkpoints, extract
// learnings, and persist them — the glue between internal/ingest,
// internal/extractor, and internal/store.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/mnemo/internal/errs"
	"github.com/antigravity-dev/mnemo/internal/extractor"
	"github.com/antigravity-dev/mnemo/internal/ingest"
	"github.com/antigravity-dev/mnemo/internal/store"
)

// Options governs one Run invocation.
type Options struct {
	SessionIDs           []string // optional explicit allow-list
	MaxSessions          int      // 0 = unlimited
	Reset                bool     // ignore processed markers, re-process everything
	ExtractRetryAttempts int
	ExtractBackoff       time.Duration
}

// SourceBreakdown mirrors Report's counters, scoped to one ingester.
type SourceBreakdown struct {
	Discovered         int
	Processed          int
	Skipped            int
	AlreadyProcessed   int
	Incremental        int
	Empty              int
	LearningsExtracted int
	LLMRequests        int
}

// SessionDiagnostic records the outcome for one candidate session.
type SessionDiagnostic struct {
	Source    string
	SessionID string
	Outcome   string // processed, already_processed, empty, skipped, error
	Entries   int
	Err       string
}

// Report is the structured result of a Run.
type Report struct {
	Discovered         int
	Processed          int
	Skipped            int // deprecated alias, always equal to AlreadyProcessed
	AlreadyProcessed   int
	Incremental        int
	Empty              int
	LearningsExtracted int
	LLMRequests        int
	BySource           map[string]*SourceBreakdown
	Diagnostics        []SessionDiagnostic
	Errors             []string
	MissingSessionIDs  []string
}

func newReport() *Report {
	return &Report{BySource: map[string]*SourceBreakdown{}}
}

func (r *Report) breakdown(source string) *SourceBreakdown {
	b, ok := r.BySource[source]
	if !ok {
		b = &SourceBreakdown{}
		r.BySource[source] = b
	}
	return b
}

// candidate is one session discovered by an ingester, with its sort key.
type candidate struct {
	source        string
	path          string
	sessionID     string
	sortTimestamp int64
}

// Pipeline wires an extractor and storage together over a set of ingesters.
type Pipeline struct {
	ingesters []ingest.Ingester
	extractor *extractor.Extractor
	store     *store.Store
	scope     store.Scope
	logger    *slog.Logger
}

// New builds a Pipeline over ingesters, extracting with ex and persisting
// to st under scope.
func New(ingesters []ingest.Ingester, ex *extractor.Extractor, st *store.Store, scope store.Scope, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{ingesters: ingesters, extractor: ex, store: st, scope: scope, logger: logger}
}

func defaultOptions(opts Options) Options {
	if opts.ExtractRetryAttempts <= 0 {
		opts.ExtractRetryAttempts = 3
	}
	if opts.ExtractBackoff <= 0 {
		opts.ExtractBackoff = 2 * time.Second
	}
	return opts
}

// Run discovers sessions across all ingesters, applies checkpoint/processed
// filtering, extracts, and persists, returning a structured Report. Only one
// sync may run per scope at a time; a concurrent Run fails with the store's
// "sync already running" error.
func (p *Pipeline) Run(ctx context.Context, since *time.Time, opts Options) (*Report, error) {
	opts = defaultOptions(opts)
	report := newReport()

	if err := p.store.StartBackgroundSync(p.scope, os.Getpid()); err != nil {
		return nil, err
	}
	defer func() {
		syncErr := ""
		if len(report.Errors) > 0 {
			syncErr = report.Errors[0]
		}
		if err := p.store.CompleteBackgroundSync(p.scope, report.Processed, report.LearningsExtracted, syncErr); err != nil {
			p.logger.Warn("failed to record sync completion", "error", err)
		}
	}()

	var candidates []candidate
	wantIDs := map[string]bool{}
	for _, id := range opts.SessionIDs {
		wantIDs[id] = true
	}

	for _, ing := range p.ingesters {
		paths, err := ing.DiscoverSessions(since)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("discover %s: %v", ing.SourceName(), err))
			continue
		}
		for _, path := range paths {
			sessionID, err := ing.GetSessionID(path)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("session id %s/%s: %v", ing.SourceName(), path, err))
				continue
			}
			if len(wantIDs) > 0 && !wantIDs[sessionID] {
				continue
			}
			candidates = append(candidates, candidate{
				source:        ing.SourceName(),
				path:          path,
				sessionID:     sessionID,
				sortTimestamp: sortTimestamp(path, sessionID),
			})
			report.Discovered++
			report.breakdown(ing.SourceName()).Discovered++
		}
	}

	if len(wantIDs) > 0 {
		found := map[string]bool{}
		for _, c := range candidates {
			found[c.sessionID] = true
		}
		for id := range wantIDs {
			if !found[id] {
				report.MissingSessionIDs = append(report.MissingSessionIDs, id)
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sortTimestamp != candidates[j].sortTimestamp {
			return candidates[i].sortTimestamp > candidates[j].sortTimestamp
		}
		return candidates[i].sessionID > candidates[j].sessionID
	})

	if opts.MaxSessions > 0 && len(candidates) > opts.MaxSessions {
		candidates = candidates[:opts.MaxSessions]
	}

	byName := map[string]ingest.Ingester{}
	for _, ing := range p.ingesters {
		byName[ing.SourceName()] = ing
	}

	for _, c := range candidates {
		p.processOne(ctx, byName[c.source], c, opts, report)
	}

	return report, nil
}

func sortTimestamp(path, sessionID string) int64 {
	if info, err := os.Stat(path); err == nil {
		return info.ModTime().Unix()
	}
	return trailingNumericToken(sessionID)
}

// trailingNumericToken extracts the trailing run of digits in sessionID and
// converts ms→s when the value exceeds 1e12, per the normalization heuristic
// shared with internal/ingest.ParseTimestamp.
func trailingNumericToken(sessionID string) int64 {
	i := len(sessionID)
	for i > 0 && sessionID[i-1] >= '0' && sessionID[i-1] <= '9' {
		i--
	}
	digits := sessionID[i:]
	if digits == "" {
		return 0
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	if n > 1_000_000_000_000 {
		return n / 1000
	}
	return n
}

func (p *Pipeline) processOne(ctx context.Context, ing ingest.Ingester, c candidate, opts Options, report *Report) {
	bd := report.breakdown(c.source)
	diag := SessionDiagnostic{Source: c.source, SessionID: c.sessionID}

	if !opts.Reset {
		processed, err := p.store.IsSessionProcessed(p.scope, c.sessionID)
		if err == nil && processed {
			checkpoint, _ := p.store.GetSessionCheckpoint(p.scope, c.sessionID)
			if checkpoint == nil {
				report.AlreadyProcessed++
				bd.AlreadyProcessed++
				report.Skipped++
				bd.Skipped++
				diag.Outcome = "already_processed"
				report.Diagnostics = append(report.Diagnostics, diag)
				return
			}
		}
	}

	raw, err := ing.ParseSession(c.path)
	if err != nil {
		report.Errors = append(report.Errors, (&errs.IngestParseError{Source: c.source, SessionID: c.sessionID, Err: err}).Error())
		diag.Outcome = "error"
		diag.Err = err.Error()
		report.Diagnostics = append(report.Diagnostics, diag)
		return
	}

	hash := contentHash(raw.Messages)
	checkpoint, _ := p.store.GetSessionCheckpoint(p.scope, c.sessionID)
	if !opts.Reset && checkpoint != nil && checkpoint.ContentHash == hash {
		report.AlreadyProcessed++
		bd.AlreadyProcessed++
		report.Skipped++
		bd.Skipped++
		diag.Outcome = "already_processed"
		report.Diagnostics = append(report.Diagnostics, diag)
		return
	}

	// Capture the full (pre-slice) transcript's message count and last
	// timestamp now: the checkpoint must record progress through the
	// entire session ing.ParseSession returns, not just the incremental
	// tail extracted below, or the next incremental pass would re-slice
	// the full transcript from a too-small index and re-extract
	// already-processed messages.
	fullMessageCount := len(raw.Messages)
	var fullLastTS *time.Time
	if fullMessageCount > 0 {
		fullLastTS = raw.Messages[fullMessageCount-1].Timestamp
	}

	incremental := false
	if checkpoint != nil && checkpoint.LastMessageIndex < len(raw.Messages) {
		raw.Messages = raw.Messages[checkpoint.LastMessageIndex:]
		incremental = true
	}

	if len(raw.Messages) < 2 {
		p.saveCheckpointAndMark(c, fullMessageCount, fullLastTS, hash)
		report.Empty++
		bd.Empty++
		diag.Outcome = "empty"
		report.Diagnostics = append(report.Diagnostics, diag)
		return
	}

	entries, err := p.extractWithRetry(ctx, raw, opts)
	report.LLMRequests++
	bd.LLMRequests++
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		diag.Outcome = "error"
		diag.Err = err.Error()
		report.Diagnostics = append(report.Diagnostics, diag)
		return
	}

	for _, entry := range entries {
		if _, err := p.store.AppendEntry(entry); err != nil {
			p.logger.Warn("pipeline: append_entry failed", "session_id", c.sessionID, "error", err)
			continue
		}
	}

	p.saveCheckpointAndMark(c, fullMessageCount, fullLastTS, hash)

	if len(raw.Messages) >= 50 && len(entries) == 0 {
		p.logger.Warn("pipeline: long session produced no learnings", "session_id", c.sessionID, "message_count", len(raw.Messages))
	}

	report.Processed++
	bd.Processed++
	report.LearningsExtracted += len(entries)
	bd.LearningsExtracted += len(entries)
	if incremental {
		report.Incremental++
		bd.Incremental++
	}
	diag.Outcome = "processed"
	diag.Entries = len(entries)
	report.Diagnostics = append(report.Diagnostics, diag)
}

func (p *Pipeline) extractWithRetry(ctx context.Context, raw *ingest.RawSession, opts Options) ([]store.LogEntry, error) {
	var lastErr error
	for attempt := 1; attempt <= opts.ExtractRetryAttempts; attempt++ {
		entries, err := p.extractor.Extract(ctx, raw)
		if err == nil {
			return entries, nil
		}
		lastErr = err

		var timeout *errs.ExtractionTimeout
		var rateLimited *errs.ExtractionRateLimited
		retryable := errors.As(err, &timeout) || errors.As(err, &rateLimited)
		if !retryable || attempt == opts.ExtractRetryAttempts {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.ExtractBackoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

// saveCheckpointAndMark persists the checkpoint against the full
// transcript's message count and last timestamp — never a post-slice
// subset — so the next incremental pass resumes from the true end of
// the session rather than re-extracting an already-processed range.
func (p *Pipeline) saveCheckpointAndMark(c candidate, fullMessageCount int, fullLastTS *time.Time, hash string) {
	_ = p.store.SaveSessionCheckpoint(store.SessionCheckpoint{
		Scope:                p.scope,
		SourceSessionID:      c.sessionID,
		LastMessageIndex:     fullMessageCount,
		LastMessageTimestamp: fullLastTS,
		ContentHash:          hash,
	})
	_ = p.store.MarkSessionProcessed(p.scope, c.source, c.sessionID)
}

// contentHash computes the per-candidate dedup hash over "role:content"
// joined by "|", truncated to 32 hex chars.
func contentHash(messages []ingest.RawMessage) string {
	var parts []string
	for _, m := range messages {
		parts = append(parts, fmt.Sprintf("%s:%s", m.Role, m.Content))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:32]
}
