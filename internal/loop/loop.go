package loop

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/antigravity-dev/mnemo/internal/config"
	"github.com/antigravity-dev/mnemo/internal/errs"
	"github.com/antigravity-dev/mnemo/internal/git"
	"github.com/antigravity-dev/mnemo/internal/lock"
	"github.com/antigravity-dev/mnemo/internal/prd"
	"github.com/antigravity-dev/mnemo/internal/store"
	"github.com/antigravity-dev/mnemo/internal/tier"
)

const maxDiffBytes = 200_000

// ProgressEvent is one of the driver's emitted lifecycle notifications.
type ProgressEvent struct {
	Kind string // iteration_started|output_line|agent_complete|validation_complete|iteration_complete|archive_error|budget_exceeded
	Data map[string]any
}

// ProgressFunc receives ProgressEvents as the driver runs.
type ProgressFunc func(ProgressEvent)

// Driver runs the cooperative iteration loop for one repository.
type Driver struct {
	dir               string // ralph directory under .agent
	workspace         string // repository working tree, for git diff capture
	store             *store.Store
	tierStore         *tier.Store
	scope             store.Scope
	cfg               config.Ralph
	validationCommand string
	onProgress        ProgressFunc
	shellFallback     string // path to an external loop script; empty disables it
}

// WithShellFallback sets a path to an external loop script. When set,
// RunOne delegates the agent phase to that script instead of building a
// coding-CLI command, forwarding its stdout lines through the same
// progress-callback contract.
func (d *Driver) WithShellFallback(path string) *Driver {
	d.shellFallback = path
	return d
}

// New returns a Driver rooted at dir (the .agent/ralph directory), operating on
// workspace (the repository checkout) for diff capture.
func New(dir, workspace string, st *store.Store, tierStore *tier.Store, scope store.Scope, cfg config.Ralph, validationCommand string, onProgress ProgressFunc) *Driver {
	if onProgress == nil {
		onProgress = func(ProgressEvent) {}
	}
	return &Driver{
		dir:               dir,
		workspace:         workspace,
		store:             st,
		tierStore:         tierStore,
		scope:             scope,
		cfg:               cfg,
		validationCommand: validationCommand,
		onProgress:        onProgress,
	}
}

func (d *Driver) statePath() string { return filepath.Join(d.dir, "ralph_state.json") }
func (d *Driver) lockPath() string  { return filepath.Join(d.dir, "ralph.lock") }
func (d *Driver) prdPath() string   { return filepath.Join(d.dir, "prd.json") }
func (d *Driver) archivePath() string {
	return filepath.Join(d.dir, "prd_archive.json")
}

// RunOne performs a single iteration: state load, item selection, agent
// subprocess, diff capture, validation, outcome derivation, tier writes,
// budget check, and state persistence. ctx cancellation is honored between
// phases; the in-flight report is finalized and archived with the
// best-known outcome before returning.
func (d *Driver) RunOne(ctx context.Context) (*IterationReport, error) {
	fl, err := lock.Acquire(d.lockPath())
	if err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	defer fl.Release()

	st, err := ReadState(d.statePath())
	if err != nil {
		return nil, err
	}

	doc, err := prd.ReadDocument(d.prdPath())
	if err != nil {
		return nil, fmt.Errorf("loop: read prd: %w", err)
	}
	item := prd.NextUnpassed(doc, d.cfg.SelectedPRDIDs)
	if item == nil {
		st.State = StateDisabled
		_ = SaveState(d.statePath(), st)
		return nil, nil
	}

	iteration, err := NextIterationNumber(d.dir, st.CurrentIteration)
	if err != nil {
		return nil, err
	}

	st.State = StateIterating
	st.CurrentIteration = iteration
	if err := SaveState(d.statePath(), st); err != nil {
		return nil, err
	}

	report := IterationReport{
		Iteration:    iteration,
		ItemID:       item.ID,
		ItemTitle:    item.Title,
		StartedAt:    time.Now().UTC(),
		FilesChanged: []string{},
	}
	d.emit("iteration_started", map[string]any{"iteration": iteration, "item_id": item.ID})

	outcome, err := d.runAgentPhase(ctx, item, &report)
	if err != nil {
		d.finishAndArchive(&report, outcome)
		st.State = StateDisabled
		st.TotalIterations++
		now := time.Now().UTC()
		st.LastIterationAt = &now
		_ = SaveState(d.statePath(), st)
		return &report, err
	}

	if ctx.Err() != nil {
		d.finishAndArchive(&report, OutcomeTimeout)
		st.State = StateDisabled
		_ = SaveState(d.statePath(), st)
		return &report, ctx.Err()
	}

	d.writeTierEntries(&report, outcome)
	d.finishAndArchive(&report, outcome)

	if outcome == OutcomeCompleted {
		if _, err := prd.NewArchive(d.archivePath()).ArchiveCompletedFromPRD(d.prdPath(), iteration, d.store, d.scope); err != nil {
			d.emit("archive_error", map[string]any{"error": err.Error()})
		}
		d.cfg.SelectedPRDIDs = nil
	}

	st.State = StateDisabled
	st.TotalIterations++
	now := time.Now().UTC()
	st.LastIterationAt = &now

	if d.cfg.CostBudgetUSD > 0 {
		reports, lerr := LoadReports(d.dir)
		if lerr == nil {
			spent := SpentUSD(reports)
			st.SpentUSD = spent
			if spent > d.cfg.CostBudgetUSD {
				d.emit("budget_exceeded", map[string]any{"spent_usd": spent, "budget_usd": d.cfg.CostBudgetUSD})
				_ = SaveState(d.statePath(), st)
				return &report, &errs.BudgetExceeded{SpentUSD: spent, BudgetUSD: d.cfg.CostBudgetUSD, Iterations: st.TotalIterations}
			}
		}
	}

	if err := SaveState(d.statePath(), st); err != nil {
		return &report, err
	}
	return &report, nil
}

// runAgentPhase spawns the agent, captures the diff, and runs validation,
// deriving the outcome. It returns a non-nil error only for LoopSpawnError.
func (d *Driver) runAgentPhase(ctx context.Context, item *prd.Item, report *IterationReport) (Outcome, error) {
	prompt := buildPrompt(item)

	var cmd AgentCommand
	var err error
	if d.shellFallback != "" {
		cmd = AgentCommand{Path: d.shellFallback, Stdin: prompt}
	} else {
		cmd, err = BuildAgentCommand(d.cfg.CodingCLI, d.cfg.CLIModel, prompt)
	}
	if err != nil {
		reason := err.Error()
		report.FailureReason = &reason
		return OutcomeBlocked, &errs.LoopSpawnError{CLI: d.cfg.CodingCLI, Err: err}
	}
	if cmd.TempPromptPath != "" {
		defer os.Remove(cmd.TempPromptPath)
	}

	timeout := d.cfg.IterationTimeout.Duration
	if timeout <= 0 {
		timeout = 45 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, scopeReduced, spawnErr := d.spawnAgent(runCtx, cmd)
	if spawnErr != nil {
		reason := spawnErr.Error()
		report.FailureReason = &reason
		return OutcomeBlocked, &errs.LoopSpawnError{CLI: d.cfg.CodingCLI, Err: spawnErr}
	}
	d.emit("agent_complete", map[string]any{"exit_code": exitCode})

	if runCtx.Err() == context.DeadlineExceeded {
		return OutcomeTimeout, nil
	}
	if ctx.Err() != nil {
		return OutcomeBlocked, nil
	}

	diff, _ := git.WorkingTreeDiff(d.workspace)
	diff = git.TruncateDiff(diff, maxDiffBytes)
	_ = SaveDiff(d.dir, report.Iteration, diff)
	report.FilesChanged = filesChangedFromDiff(diff)

	if exitCode != 0 {
		return OutcomeBlocked, nil
	}
	if scopeReduced {
		change := "scope reduced by agent"
		report.ScopeChange = &change
		return OutcomeScopeReduced, nil
	}

	validationExit, hint := d.runValidation(ctx)
	report.ValidationExitCode = &validationExit
	if hint != "" {
		report.ValidationHint = &hint
	}
	success := validationExit == 0
	d.emit("validation_complete", map[string]any{"success": success, "hint": hint})

	if validationExit != 0 {
		return OutcomeValidationFailed, nil
	}
	return OutcomeCompleted, nil
}

// spawnAgent runs cmd, streaming stdout lines as output_line events.
// Returns the process exit code (0 on success) and whether stdout carried
// an explicit "scope reduced" signal.
func (d *Driver) spawnAgent(ctx context.Context, cmd AgentCommand) (exitCode int, scopeReduced bool, err error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	if d.workspace != "" {
		c.Dir = d.workspace
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return -1, false, fmt.Errorf("loop: stdout pipe: %w", err)
	}
	c.Stderr = c.Stdout

	if err := c.Start(); err != nil {
		return -1, false, fmt.Errorf("loop: start agent: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		d.emit("output_line", map[string]any{"line": line})
		if strings.Contains(strings.ToLower(line), "scope reduced") {
			scopeReduced = true
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		d.emit("output_line", map[string]any{"line": fmt.Sprintf("<stdout read error: %v>", err)})
	}

	waitErr := c.Wait()
	if waitErr == nil {
		return 0, scopeReduced, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), scopeReduced, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return -1, scopeReduced, nil
	}
	return -1, scopeReduced, waitErr
}

// runValidation runs the configured validation command, returning its exit
// code and the last non-empty output line as an actionable hint.
func (d *Driver) runValidation(ctx context.Context) (exitCode int, hint string) {
	if strings.TrimSpace(d.validationCommand) == "" {
		return 0, ""
	}
	c := exec.CommandContext(ctx, "sh", "-c", d.validationCommand)
	if d.workspace != "" {
		c.Dir = d.workspace
	}
	out, err := c.CombinedOutput()
	hint = lastNonEmptyLine(string(out))
	if err == nil {
		return 0, hint
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), hint
	}
	return -1, hint
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

func filesChangedFromDiff(diff string) []string {
	var files []string
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, "diff --git ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			files = append(files, strings.TrimPrefix(fields[2], "b/"))
		}
	}
	return files
}

func buildPrompt(item *prd.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on PRD item %s: %s\n\n%s\n\n", item.ID, item.Title, item.Description)
	if item.UserStory != "" {
		fmt.Fprintf(&b, "User story: %s\n\n", item.UserStory)
	}
	if len(item.Steps) > 0 {
		b.WriteString("Steps:\n")
		for _, s := range item.Steps {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
	if len(item.Acceptance) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, a := range item.Acceptance {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}

// writeTierEntries writes a guardrail, style, and recent entry for every
// iteration; every body reflects the outcome (unless PatternThatWorked
// replaces the style body), and only the guardrail entry can carry the
// hard-failure flag.
func (d *Driver) writeTierEntries(report *IterationReport, outcome Outcome) {
	if d.tierStore == nil {
		return
	}
	now := time.Now().UTC()
	policy := tier.WritePolicy{Mode: tier.ModeAppend, Deduplicate: true}

	hardFailure := outcome == OutcomeValidationFailed || outcome == OutcomeBlocked
	var guardrailBody string
	switch outcome {
	case OutcomeValidationFailed, OutcomeBlocked:
		guardrailBody = fmt.Sprintf("iteration %d on %s failed: %s", report.Iteration, report.ItemID, guardrailSummary(report))
	case OutcomeTimeout:
		guardrailBody = fmt.Sprintf("iteration %d on %s hit the iteration timeout; split the item or raise ralph.iteration_timeout", report.Iteration, report.ItemID)
	case OutcomeScopeReduced:
		guardrailBody = fmt.Sprintf("iteration %d on %s reduced scope: %s", report.Iteration, report.ItemID, orDefault(report.ScopeChange, "agent reported a scope reduction"))
	default:
		guardrailBody = fmt.Sprintf("iteration %d on %s passed validation cleanly", report.Iteration, report.ItemID)
	}
	guardrailEntry := tier.NewEntry(now, report.Iteration, report.ItemID, hardFailure, []string{guardrailBody})
	_, _ = d.tierStore.WriteTier(tier.Guardrails, guardrailEntry, policy)

	styleBody := fmt.Sprintf("%s: %s", outcome, report.ItemTitle)
	if report.PatternThatWorked != nil && *report.PatternThatWorked != "" {
		styleBody = *report.PatternThatWorked
	}
	styleEntry := tier.NewEntry(now, report.Iteration, report.ItemID, false, []string{styleBody})
	_, _ = d.tierStore.WriteTier(tier.Style, styleEntry, policy)

	recentBody := []string{fmt.Sprintf("%s (%s)", report.ItemTitle, outcome)}
	recentEntry := tier.NewEntry(now, report.Iteration, report.ItemID, false, recentBody)
	_, _ = d.tierStore.WriteTier(tier.Recent, recentEntry, policy)
}

func orDefault(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}

func guardrailSummary(report *IterationReport) string {
	if report.ValidationHint != nil && *report.ValidationHint != "" {
		return *report.ValidationHint
	}
	if report.FailureReason != nil {
		return *report.FailureReason
	}
	return "no actionable hint captured"
}

func (d *Driver) finishAndArchive(report *IterationReport, outcome Outcome) {
	now := time.Now().UTC()
	report.CompletedAt = &now
	duration := now.Sub(report.StartedAt).Seconds()
	report.DurationSeconds = &duration
	report.Outcome = &outcome

	d.emit("iteration_complete", map[string]any{"outcome": outcome, "duration_seconds": duration})
	if err := SaveReport(d.dir, *report); err != nil {
		d.emit("archive_error", map[string]any{"error": err.Error()})
	}
}

func (d *Driver) emit(kind string, data map[string]any) {
	d.onProgress(ProgressEvent{Kind: kind, Data: data})
}
