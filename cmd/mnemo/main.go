package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/mnemo/internal/compaction"
	"github.com/antigravity-dev/mnemo/internal/config"
	"github.com/antigravity-dev/mnemo/internal/extractor"
	"github.com/antigravity-dev/mnemo/internal/hooks"
	"github.com/antigravity-dev/mnemo/internal/ingest"
	"github.com/antigravity-dev/mnemo/internal/ingest/jsonl"
	"github.com/antigravity-dev/mnemo/internal/ingest/nested"
	"github.com/antigravity-dev/mnemo/internal/ingest/workspace"
	"github.com/antigravity-dev/mnemo/internal/llmprovider"
	"github.com/antigravity-dev/mnemo/internal/loop"
	"github.com/antigravity-dev/mnemo/internal/pipeline"
	"github.com/antigravity-dev/mnemo/internal/prd"
	"github.com/antigravity-dev/mnemo/internal/retriever"
	"github.com/antigravity-dev/mnemo/internal/store"
	"github.com/antigravity-dev/mnemo/internal/store/remote"
	"github.com/antigravity-dev/mnemo/internal/tier"
	"github.com/antigravity-dev/mnemo/internal/ui"
)

func configureLogger(dev bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "setup":
		runSetup(args)
	case "status":
		runStatus(args)
	case "sync":
		runSync(args)
	case "compact":
		runCompact(args)
	case "context":
		runContext(args)
	case "session":
		runSession(args)
	case "curate":
		runCurate(args)
	case "ralph":
		runRalph(args)
	case "hooks":
		runHooks(args)
	default:
		usage()
		os.Exit(2)
	}
}

// addCommonFlags registers the -agent-dir/-dev/-no-color flags shared by
// every subcommand onto fs.
func addCommonFlags(fs *flag.FlagSet) (agentDir *string, dev *bool, noColor *bool) {
	agentDir = fs.String("agent-dir", ".agent", "path to the repository's .agent directory")
	dev = fs.Bool("dev", false, "use text log format (default is JSON)")
	noColor = fs.Bool("no-color", false, "disable colored status output")
	return agentDir, dev, noColor
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mnemo <setup|status|sync|compact|context|session|curate|ralph|hooks> [flags]")
}

// mnemoLayout resolves the standard per-repository file paths under dir, per
// the persisted filesystem layout.
type mnemoLayout struct {
	dir        string
	configPath string
	statePath  string
	ralphDir   string
	logsDir    string
}

func layoutFor(dir string) mnemoLayout {
	return mnemoLayout{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		statePath:  filepath.Join(dir, "state.db"),
		ralphDir:   filepath.Join(dir, "ralph"),
		logsDir:    filepath.Join(dir, "logs"),
	}
}

func loadConfig(logger *slog.Logger, path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "config", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(logger *slog.Logger, layout mnemoLayout, cfg *config.Config) (*store.Store, store.Scope) {
	scope := store.DefaultScope
	if cfg.Storage.Backend == "shared" {
		scope = store.Scope{TenantID: cfg.Storage.Shared.TenantID, ProjectID: cfg.Storage.Shared.ProjectID}
	}
	st, err := store.Open(layout.statePath, store.Options{RequireExplicitScope: cfg.Storage.Backend == "shared"})
	if err != nil {
		logger.Error("failed to open store", "path", layout.statePath, "error", err)
		os.Exit(1)
	}
	return st, scope
}

// sharedHTTP reports whether the configured backend is a shared http(s)
// endpoint that should be served through the remote client.
func sharedHTTP(cfg *config.Config) bool {
	return cfg.Storage.Backend == "shared" && strings.HasPrefix(cfg.Storage.Shared.BaseURL, "http")
}

func remoteConfig(cfg *config.Config) remote.Config {
	return remote.Config{
		BaseURL:        cfg.Storage.Shared.BaseURL,
		APIKeyEnv:      cfg.Storage.Shared.APIKeyEnv,
		TenantID:       cfg.Storage.Shared.TenantID,
		ProjectID:      cfg.Storage.Shared.ProjectID,
		RetryAttempts:  cfg.Storage.Shared.RetryAttempts,
		TimeoutSeconds: cfg.Storage.Shared.TimeoutSeconds,
	}
}

// sessionBackend is the slice of the storage contract the session command
// writes through: the local store in local mode, the shared-backend client
// in shared mode (reads fall back to the local store, writes fail with
// StorageBackendUnavailable and no fallback).
type sessionBackend interface {
	GetActiveSession() (*store.Session, error)
	CreateSession(task, summary string) (*store.Session, error)
	AppendEntry(entry store.LogEntry) (*store.LogEntry, error)
	UpdateSession(id string, status store.SessionStatus, summary string, endedAt *time.Time) error
}

type localSessions struct {
	st    *store.Store
	scope store.Scope
}

func (l localSessions) GetActiveSession() (*store.Session, error) {
	return l.st.GetActiveSession(l.scope)
}

func (l localSessions) CreateSession(task, summary string) (*store.Session, error) {
	return l.st.CreateSession(l.scope, task, summary)
}

func (l localSessions) AppendEntry(entry store.LogEntry) (*store.LogEntry, error) {
	entry.Scope = l.scope
	return l.st.AppendEntry(entry)
}

func (l localSessions) UpdateSession(id string, status store.SessionStatus, summary string, endedAt *time.Time) error {
	return l.st.UpdateSession(l.scope, id, status, summary, endedAt)
}

type remoteSessions struct {
	client *remote.Client
}

func (r remoteSessions) GetActiveSession() (*store.Session, error) {
	return r.client.GetActiveSession(context.Background())
}

func (r remoteSessions) CreateSession(task, summary string) (*store.Session, error) {
	return r.client.CreateSession(context.Background(), task, summary)
}

func (r remoteSessions) AppendEntry(entry store.LogEntry) (*store.LogEntry, error) {
	return r.client.AppendEntry(context.Background(), entry)
}

func (r remoteSessions) UpdateSession(id string, status store.SessionStatus, summary string, endedAt *time.Time) error {
	return r.client.UpdateSession(context.Background(), id, status, summary, endedAt)
}

func sessionBackendFor(logger *slog.Logger, cfg *config.Config, st *store.Store, scope store.Scope) sessionBackend {
	if !sharedHTTP(cfg) {
		return localSessions{st: st, scope: scope}
	}
	client, err := remote.NewClient(remoteConfig(cfg), st)
	if err != nil {
		ui.Fail("shared backend misconfigured: %v", err)
		logger.Error("shared backend misconfigured", "error", err)
		os.Exit(1)
	}
	return remoteSessions{client: client}
}

func buildProvider(cfg *config.Config) llmprovider.Provider {
	switch cfg.LLM.Provider {
	case "stub":
		return llmprovider.NewStub("{\"items\":[]}")
	default:
		return llmprovider.NewAnthropic(os.Getenv("ANTHROPIC_API_KEY"), cfg.LLM.Model, cfg.LLM.BaseURL, cfg.LLM.Timeout.Duration)
	}
}

func buildIngesters(layout mnemoLayout) []ingest.Ingester {
	return []ingest.Ingester{
		jsonl.New(layout.logsDir),
		nested.New(layout.logsDir),
		workspace.New(layout.logsDir, "", false),
	}
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	agentDir, dev, noColor := addCommonFlags(fs)
	noCompact := fs.Bool("no-compact", false, "skip the post-sync compaction pass")
	forceCompact := fs.Bool("force-compact", false, "run the compaction pass even when no learnings were extracted")
	reset := fs.Bool("reset", false, "clear processed markers and checkpoints, then re-process every session")
	maxSessions := fs.Int("max-sessions", 0, "limit the number of sessions processed (0 = unlimited)")
	fs.Parse(args)
	ui.Init(*noColor)

	logger := configureLogger(*dev)
	layout := layoutFor(*agentDir)
	cfg := loadConfig(logger, layout.configPath)

	st, scope := openStore(logger, layout, cfg)
	defer st.Close()

	if *reset {
		markers, err := st.ClearProcessedSessions(scope, "", "")
		if err != nil {
			ui.Fail("reset failed: %v", err)
			logger.Error("reset failed", "error", err)
			os.Exit(1)
		}
		checkpoints, err := st.ClearSessionCheckpoints(scope, "", "")
		if err != nil {
			ui.Fail("reset failed: %v", err)
			logger.Error("reset failed", "error", err)
			os.Exit(1)
		}
		logger.Info("reset ingestion bookkeeping", "markers_cleared", markers, "checkpoints_cleared", checkpoints)
	}

	provider := buildProvider(cfg)
	ex := extractor.New(provider, extractor.Config{})
	ingesters := buildIngesters(layout)

	p := pipeline.New(ingesters, ex, st, scope, logger)
	report, err := p.Run(context.Background(), nil, pipeline.Options{Reset: *reset, MaxSessions: *maxSessions})
	if err != nil {
		ui.Fail("sync failed: %v", err)
		logger.Error("sync failed", "error", err)
		os.Exit(1)
	}
	ui.Success("synced %d sessions (%d new, %d already processed, %d learnings extracted)",
		report.Discovered, report.Processed, report.AlreadyProcessed, report.LearningsExtracted)
	logger.Info("sync complete", "discovered", report.Discovered, "processed", report.Processed,
		"already_processed", report.AlreadyProcessed, "empty", report.Empty, "learnings", report.LearningsExtracted)

	if !*noCompact && (report.LearningsExtracted > 0 || *forceCompact) {
		runCompactionPass(logger, layout, cfg, st, scope, provider, false)
	}
}

func runCompact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	agentDir, dev, noColor := addCommonFlags(fs)
	force := fs.Bool("force", false, "force promotion regardless of repeat-occurrence thresholds")
	fs.Parse(args)
	ui.Init(*noColor)

	logger := configureLogger(*dev)
	layout := layoutFor(*agentDir)
	cfg := loadConfig(logger, layout.configPath)

	st, scope := openStore(logger, layout, cfg)
	defer st.Close()

	provider := buildProvider(cfg)
	runCompactionPass(logger, layout, cfg, st, scope, provider, *force)
}

func runCompactionPass(logger *slog.Logger, layout mnemoLayout, cfg *config.Config, st *store.Store, scope store.Scope, provider llmprovider.Provider, force bool) {
	tierStore := tier.New(layout.dir, logger)
	engine := compaction.New(st, tierStore, provider, cfg.Compaction)
	if cfg.Retrieval.EmbeddingEnabled {
		engine = engine.WithEmbeddings(cfg.Retrieval.EmbeddingDimensions)
	}
	report, err := engine.Run(context.Background(), scope, compaction.Options{Force: force})
	if err != nil {
		ui.Fail("compaction failed: %v", err)
		logger.Error("compaction failed", "error", err)
		os.Exit(1)
	}
	ui.Success("compaction complete (guardrails=%v style=%v recent=%v chunks_indexed=%d)",
		report.GuardrailsUpdated, report.StyleUpdated, report.RecentUpdated, report.ChunksIndexed)
	logger.Info("compaction complete", "guardrails_updated", report.GuardrailsUpdated,
		"style_updated", report.StyleUpdated, "recent_updated", report.RecentUpdated, "chunks_indexed", report.ChunksIndexed)
}

func runContext(args []string) {
	fs := flag.NewFlagSet("context", flag.ExitOnError)
	agentDir, dev, noColor := addCommonFlags(fs)
	task := fs.String("task", "", "the task description to retrieve relevant context for")
	fs.Parse(args)
	ui.Init(*noColor)

	logger := configureLogger(*dev)
	layout := layoutFor(*agentDir)
	cfg := loadConfig(logger, layout.configPath)

	st, scope := openStore(logger, layout, cfg)
	defer st.Close()

	tierStore := tier.New(layout.dir, logger)
	r := retriever.New(st, tierStore, cfg.Retrieval)
	if sharedHTTP(cfg) {
		client, err := remote.NewClient(remoteConfig(cfg), st)
		if err != nil {
			ui.Fail("shared backend misconfigured: %v", err)
			logger.Error("shared backend misconfigured", "error", err)
			os.Exit(1)
		}
		r = r.WithSearch(func(_ store.Scope, query string, topK int) ([]*store.Chunk, error) {
			return client.SearchChunksFTS(context.Background(), query, topK)
		})
	}
	bundle, err := r.Assemble(scope, *task)
	if err != nil {
		ui.Fail("context assembly failed: %v", err)
		logger.Error("context assembly failed", "error", err)
		os.Exit(1)
	}

	if cfg.Adapters.Enabled {
		if err := writeContextBundle(cfg.Adapters.OutputDir, bundle); err != nil {
			ui.Warn("failed to persist context bundle: %v", err)
			logger.Warn("failed to persist context bundle", "error", err)
		} else {
			ui.Success("wrote context bundle to %s", cfg.Adapters.OutputDir)
		}
	}

	fmt.Println(bundle)
}

// writeContextBundle persists the assembled bundle under dir, per the
// persisted context/ directory layout.
func writeContextBundle(dir, bundle string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}
	path := filepath.Join(dir, "bundle.md")
	tmp, err := os.CreateTemp(dir, ".bundle-*.md")
	if err != nil {
		return fmt.Errorf("create temp bundle: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(bundle); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp bundle: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// runSetup initializes the .agent directory: layout directories, canonical
// tier-file headers, a defaulted config.yaml, and the storage schema.
// Interactive onboarding belongs to the out-of-scope TUI; -quick accepts
// defaults non-interactively.
func runSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	agentDir, dev, noColor := addCommonFlags(fs)
	quick := fs.Bool("quick", false, "accept defaults without prompting")
	fs.Parse(args)
	ui.Init(*noColor)

	logger := configureLogger(*dev)
	layout := layoutFor(*agentDir)

	if !*quick {
		ui.Fail("interactive setup is not available here; re-run with -quick to accept defaults")
		os.Exit(1)
	}

	for _, d := range []string{
		layout.dir,
		layout.logsDir,
		filepath.Join(layout.dir, "archive"),
		filepath.Join(layout.dir, "context"),
		layout.ralphDir,
		filepath.Join(layout.ralphDir, "iterations"),
		filepath.Join(layout.ralphDir, "hooks"),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			ui.Fail("setup failed: %v", err)
			logger.Error("setup failed", "dir", d, "error", err)
			os.Exit(1)
		}
	}

	tierStore := tier.New(layout.dir, logger)
	for _, t := range []tier.Tier{tier.Guardrails, tier.Style, tier.Recent} {
		if err := tierStore.Ensure(t); err != nil {
			ui.Fail("setup failed: %v", err)
			logger.Error("setup failed", "tier", t, "error", err)
			os.Exit(1)
		}
	}

	cfg := config.Default()
	if existing, err := tierStore.ReadConfig(); err == nil {
		cfg = existing
	}
	if cfg.Onboarding.CompletedAt == "" {
		cfg.Onboarding.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		if wd, err := os.Getwd(); err == nil {
			cfg.Onboarding.RepositoryPath = wd
		}
	}
	if err := tierStore.WriteConfig(cfg); err != nil {
		ui.Fail("setup failed: %v", err)
		logger.Error("setup failed", "error", err)
		os.Exit(1)
	}

	st, _ := openStore(logger, layout, cfg)
	st.Close()

	ui.Success("initialized %s", layout.dir)
	logger.Info("setup complete", "agent_dir", layout.dir)
}

// runStatus prints scope-filtered storage stats, the last-processed
// timestamp, and the background-sync state.
func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	agentDir, dev, noColor := addCommonFlags(fs)
	fs.Parse(args)
	ui.Init(*noColor)

	logger := configureLogger(*dev)
	layout := layoutFor(*agentDir)

	tierStore := tier.New(layout.dir, logger)
	cfg, err := tierStore.ReadConfig()
	if err != nil {
		ui.Fail("failed to load config: %v", err)
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	st, scope := openStore(logger, layout, cfg)
	defer st.Close()

	stats, err := st.GetStats(scope)
	if err != nil {
		ui.Fail("failed to read stats: %v", err)
		logger.Error("failed to read stats", "error", err)
		os.Exit(1)
	}
	ui.Info("processed sessions: %d, log entries: %d, chunks: %d",
		stats.ProcessedSessions, stats.LogEntries, stats.Chunks)

	if last, err := st.GetLastProcessedAt(scope); err == nil && last != nil {
		ui.Info("last processed: %s", last.UTC().Format(time.RFC3339))
	}

	if sync, err := st.GetBackgroundSyncStatus(scope); err == nil {
		switch {
		case sync.Running:
			ui.Warn("background sync running (pid %d)", sync.PID)
		case sync.Error != "":
			ui.Warn("last background sync failed: %s", sync.Error)
		case sync.CompletedAt != nil:
			ui.Info("last background sync: %d sessions, %d learnings", sync.Processed, sync.Learnings)
		}
	}
}

// runSession drives the explicit user-session lifecycle: start, log, end.
func runSession(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mnemo session <start|log|end> [flags]")
		os.Exit(2)
	}
	sub := args[0]

	fs := flag.NewFlagSet("session-"+sub, flag.ExitOnError)
	agentDir, dev, noColor := addCommonFlags(fs)
	task := fs.String("task", "", "task description (start)")
	content := fs.String("content", "", "knowledge to record (log)")
	label := fs.String("label", "narrative", "semantic label (log)")
	tags := fs.String("tags", "", "comma-separated lowercase tags (log)")
	summary := fs.String("summary", "", "session summary (end)")
	abandon := fs.Bool("abandon", false, "mark the session abandoned instead of completed (end)")
	fs.Parse(args[1:])
	ui.Init(*noColor)

	logger := configureLogger(*dev)
	layout := layoutFor(*agentDir)
	cfg := loadConfig(logger, layout.configPath)

	st, scope := openStore(logger, layout, cfg)
	defer st.Close()
	backend := sessionBackendFor(logger, cfg, st, scope)

	active, err := backend.GetActiveSession()
	if err != nil {
		ui.Fail("session: %v", err)
		logger.Error("session lookup failed", "error", err)
		os.Exit(1)
	}

	switch sub {
	case "start":
		if active != nil {
			ui.Fail("a session is already active: %s (%s)", active.ID, active.Task)
			os.Exit(1)
		}
		sess, err := backend.CreateSession(*task, "")
		if err != nil {
			ui.Fail("session start: %v", err)
			logger.Error("session start failed", "error", err)
			os.Exit(1)
		}
		ui.Success("started session %s", sess.ID)

	case "log":
		if active == nil {
			ui.Fail("no active session; run mnemo session start first")
			os.Exit(1)
		}
		var tagList []string
		for _, t := range strings.Split(*tags, ",") {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				tagList = append(tagList, t)
			}
		}
		entry, err := backend.AppendEntry(store.LogEntry{
			SessionID:  active.ID,
			Source:     store.SourceExplicit,
			Content:    *content,
			Label:      store.SemanticLabel(*label),
			Tags:       tagList,
			Confidence: 1.0,
		})
		if err != nil {
			ui.Fail("session log: %v", err)
			logger.Error("session log failed", "error", err)
			os.Exit(1)
		}
		ui.Success("logged entry %s", entry.ID)

	case "end":
		if active == nil {
			ui.Fail("no active session to end")
			os.Exit(1)
		}
		status := store.SessionCompleted
		if *abandon {
			status = store.SessionAbandoned
		}
		now := time.Now().UTC()
		if err := backend.UpdateSession(active.ID, status, *summary, &now); err != nil {
			ui.Fail("session end: %v", err)
			logger.Error("session end failed", "error", err)
			os.Exit(1)
		}
		ui.Success("ended session %s (%s, %d entries)", active.ID, status, active.EntryCount)

	default:
		fmt.Fprintln(os.Stderr, "usage: mnemo session <start|log|end> [flags]")
		os.Exit(2)
	}
}

var allLabels = []store.SemanticLabel{
	store.LabelHardFailure, store.LabelGotcha, store.LabelCorrection,
	store.LabelPreference, store.LabelPattern, store.LabelDecision,
	store.LabelExploration, store.LabelNarrative,
}

// runCurate lists pending log entries and mutates their curation status.
func runCurate(args []string) {
	fs := flag.NewFlagSet("curate", flag.ExitOnError)
	agentDir, dev, noColor := addCommonFlags(fs)
	approve := fs.String("approve", "", "entry id to approve")
	reject := fs.String("reject", "", "entry id to reject")
	limit := fs.Int("limit", 50, "maximum pending entries to list")
	fs.Parse(args)
	ui.Init(*noColor)

	logger := configureLogger(*dev)
	layout := layoutFor(*agentDir)
	cfg := loadConfig(logger, layout.configPath)

	st, scope := openStore(logger, layout, cfg)
	defer st.Close()

	switch {
	case *approve != "":
		if err := st.SetCurationStatus(scope, *approve, store.CurationApproved); err != nil {
			ui.Fail("curate: %v", err)
			logger.Error("curate approve failed", "id", *approve, "error", err)
			os.Exit(1)
		}
		ui.Success("approved %s", *approve)

	case *reject != "":
		if err := st.SetCurationStatus(scope, *reject, store.CurationRejected); err != nil {
			ui.Fail("curate: %v", err)
			logger.Error("curate reject failed", "id", *reject, "error", err)
			os.Exit(1)
		}
		ui.Success("rejected %s", *reject)

	default:
		entries, err := st.GetEntriesByLabel(scope, allLabels, store.CurationPending, *limit)
		if err != nil {
			ui.Fail("curate: %v", err)
			logger.Error("curate list failed", "error", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			ui.Info("no pending entries")
			return
		}
		for _, e := range entries {
			fmt.Printf("%s  [%s]  %s\n", e.ID, e.Label, e.Content)
		}
	}
}

func runRalph(args []string) {
	fs := flag.NewFlagSet("ralph", flag.ExitOnError)
	agentDir, dev, noColor := addCommonFlags(fs)
	iterations := fs.Int("iterations", 0, "number of iterations to run (0 = use ralph.max_iterations from config)")
	workspaceDir := fs.String("workspace", ".", "repository working tree to operate on")
	prunePRD := fs.Bool("prune-prd", false, "remove passing items from prd.json without archiving, then exit")
	fs.Parse(args)
	ui.Init(*noColor)

	logger := configureLogger(*dev)
	layout := layoutFor(*agentDir)
	cfg := loadConfig(logger, layout.configPath)

	if *prunePRD {
		archive := prd.NewArchive(filepath.Join(layout.ralphDir, "prd_archive.json"))
		pruned, err := archive.PruneOnly(filepath.Join(layout.ralphDir, "prd.json"))
		if err != nil {
			ui.Fail("prune failed: %v", err)
			logger.Error("prune failed", "error", err)
			os.Exit(1)
		}
		ui.Success("pruned %d passing items from prd.json", pruned)
		return
	}

	if !cfg.Ralph.Enabled {
		ui.Fail("ralph.enabled is false in config; refusing to start the iteration loop")
		logger.Error("ralph.enabled is false in config; refusing to start the iteration loop")
		os.Exit(1)
	}

	if err := ensurePRD(filepath.Join(layout.ralphDir, "prd.json")); err != nil {
		ui.Fail("%v", err)
		logger.Error("no PRD to iterate against", "error", err)
		os.Exit(1)
	}

	st, scope := openStore(logger, layout, cfg)
	defer st.Close()

	tierStore := tier.New(layout.dir, logger)

	n := *iterations
	if n <= 0 {
		n = cfg.Ralph.MaxIterations
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	onProgress := func(ev loop.ProgressEvent) {
		logger.Info("ralph event", "kind", ev.Kind, "data", ev.Data)
	}

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			ui.Warn("ralph cancelled")
			logger.Info("ralph cancelled")
			break
		}
		driver := loop.New(layout.ralphDir, *workspaceDir, st, tierStore, scope, cfg.Ralph, cfg.Ralph.ValidationCommand, onProgress)
		report, err := driver.RunOne(ctx)
		if report == nil && err == nil {
			ui.Info("no remaining PRD items; stopping")
			logger.Info("no remaining PRD items; stopping")
			break
		}
		if err != nil {
			ui.Fail("iteration ended with error: %v", err)
			logger.Warn("iteration ended with error", "error", err)
			break
		}
		if report.Outcome != nil {
			ui.Success("iteration %d (%s) -> %s", report.Iteration, report.ItemID, *report.Outcome)
		}
		time.Sleep(time.Duration(cfg.Ralph.SleepSeconds) * time.Second)
	}
}

func runHooks(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mnemo hooks <install|uninstall|emit-event> [flags]")
		os.Exit(2)
	}
	sub := args[0]

	if sub == "emit-event" {
		runHooksEmitEvent(args[1:])
		return
	}

	fs := flag.NewFlagSet("hooks-"+sub, flag.ExitOnError)
	agentDir, dev, noColor := addCommonFlags(fs)
	settingsPath := fs.String("settings", "", "path to the host settings JSON file")
	fs.Parse(args[1:])
	ui.Init(*noColor)

	logger := configureLogger(*dev)
	layout := layoutFor(*agentDir)

	if strings.TrimSpace(*settingsPath) == "" {
		ui.Fail("hooks command requires -settings")
		logger.Error("hooks command requires -settings")
		os.Exit(1)
	}

	switch sub {
	case "install":
		tierStore := tier.New(layout.dir, logger)
		guardrailsText, err := tierStore.ReadTier(tier.Guardrails)
		if err != nil {
			ui.Fail("failed to read guardrails tier: %v", err)
			logger.Error("failed to read guardrails tier", "error", err)
			os.Exit(1)
		}
		eventsLogPath := filepath.Join(layout.ralphDir, "tool_events.jsonl")
		pre, post, notif, err := hooks.Generate(layout.ralphDir, guardrailsText, eventsLogPath)
		if err != nil {
			ui.Fail("failed to generate hook scripts: %v", err)
			logger.Error("failed to generate hook scripts", "error", err)
			os.Exit(1)
		}
		if err := hooks.Install(*settingsPath, pre, post, notif); err != nil {
			ui.Fail("failed to install hooks: %v", err)
			logger.Error("failed to install hooks", "error", err)
			os.Exit(1)
		}
		ui.Success("hooks installed into %s", *settingsPath)
		logger.Info("hooks installed", "settings", *settingsPath)

	case "uninstall":
		if err := hooks.Uninstall(*settingsPath); err != nil {
			ui.Fail("failed to uninstall hooks: %v", err)
			logger.Error("failed to uninstall hooks", "error", err)
			os.Exit(1)
		}
		ui.Success("hooks uninstalled from %s", *settingsPath)
		logger.Info("hooks uninstalled", "settings", *settingsPath)

	default:
		fmt.Fprintln(os.Stderr, "usage: mnemo hooks <install|uninstall|emit-event> [flags]")
		os.Exit(2)
	}
}

// runHooksEmitEvent is invoked by the generated post-tool-use script: it
// reads a hook payload from stdin, normalizes it into the canonical
// ToolEvent shape, and appends one JSON line to -log.
func runHooksEmitEvent(args []string) {
	fs := flag.NewFlagSet("hooks-emit-event", flag.ExitOnError)
	logPath := fs.String("log", "", "path to the tool events JSON-lines log")
	fs.Parse(args)

	if strings.TrimSpace(*logPath) == "" {
		fmt.Fprintln(os.Stderr, "hooks emit-event requires -log")
		os.Exit(2)
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hooks emit-event: read stdin: %v\n", err)
		os.Exit(1)
	}
	payload, err := hooks.ParsePayload(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hooks emit-event: %v\n", err)
		os.Exit(1)
	}
	event := hooks.NewToolEvent(payload, time.Now().UTC())

	if err := os.MkdirAll(filepath.Dir(*logPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "hooks emit-event: %v\n", err)
		os.Exit(1)
	}
	f, err := os.OpenFile(*logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hooks emit-event: open log: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	line, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hooks emit-event: encode event: %v\n", err)
		os.Exit(1)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "hooks emit-event: write log: %v\n", err)
		os.Exit(1)
	}
}

// ensurePRD confirms a readable PRD document exists before the loop starts.
func ensurePRD(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("prd: %s not found: %w", path, err)
	}
	_, err := prd.ReadDocument(path)
	return err
}
