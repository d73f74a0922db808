// Package config loads and validates a repository's .agent/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the top-level shape of .agent/config.yaml.
type Config struct {
	LLM        LLM        `yaml:"llm"`
	Compaction Compaction `yaml:"compaction"`
	Retrieval  Retrieval  `yaml:"retrieval"`
	Storage    Storage    `yaml:"storage"`
	Ralph      Ralph      `yaml:"ralph"`
	Adapters   Adapters   `yaml:"adapters"`
	Onboarding Onboarding `yaml:"onboarding"`
	Theme      Theme      `yaml:"theme"`
}

type LLM struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	Timeout     Duration `yaml:"timeout"`
}

type Compaction struct {
	MaxRecentTokens                int            `yaml:"max_recent_tokens"`
	MaxSessionsBeforeCompact       int            `yaml:"max_sessions_before_compact"`
	PromotePatternAfterOccurrences int            `yaml:"promote_pattern_after_occurrences"`
	ArchiveSessionsOlderThanDays   int            `yaml:"archive_sessions_older_than_days"`
	MaxTierTokens                  int            `yaml:"max_tier_tokens"`
	CurationStatus                 string         `yaml:"curation_status"`
	IndexDecisionEntries           bool           `yaml:"index_decision_entries"`
	IndexDecisionMinConfidence     float64        `yaml:"index_decision_min_confidence"`
	IndexExplorationMinConfidence  float64        `yaml:"index_exploration_min_confidence"`
	IndexNarrativeMinConfidence    float64        `yaml:"index_narrative_min_confidence"`
	MaxEntriesPerTier              map[string]int `yaml:"max_entries_per_tier"`
	SummaryThresholdEntries        int            `yaml:"summary_threshold_entries"`
	SummaryMaxEntries              int            `yaml:"summary_max_entries"`
}

type Retrieval struct {
	Backend             string `yaml:"backend"` // fts5|hybrid
	TopK                int    `yaml:"top_k"`
	FusionK             int    `yaml:"fusion_k"`
	RerankEnabled       bool   `yaml:"rerank_enabled"`
	RerankCandidateK    int    `yaml:"rerank_candidate_k"`
	EmbeddingEnabled    bool   `yaml:"embedding_enabled"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
}

type Storage struct {
	Backend string        `yaml:"backend"` // local|shared
	Shared  SharedBackend `yaml:"shared"`
}

type SharedBackend struct {
	BaseURL        string `yaml:"base_url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	Role           string `yaml:"role"`
	TenantID       string `yaml:"tenant_id"`
	ProjectID      string `yaml:"project_id"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Ralph struct {
	Enabled           bool               `yaml:"enabled"`
	MaxIterations     int                `yaml:"max_iterations"`
	SleepSeconds      int                `yaml:"sleep_seconds"`
	CompactMode       string             `yaml:"compact_mode"` // always|on-failure|off
	SelectedPRDIDs    []string           `yaml:"selected_prd_ids"`
	CodingCLI         string             `yaml:"coding_cli"`
	CLIModel          string             `yaml:"cli_model"`
	CostBudgetUSD     float64            `yaml:"cost_budget_usd"`
	Notifications     RalphNotifications `yaml:"notifications"`
	IterationTimeout  Duration           `yaml:"iteration_timeout"`
	ValidationCommand string             `yaml:"validation_command"`
}

type RalphNotifications struct {
	Enabled bool     `yaml:"enabled"`
	Events  []string `yaml:"events"`
}

type Adapters struct {
	Enabled                bool   `yaml:"enabled"`
	OutputDir              string `yaml:"output_dir"`
	TokenBudget            int    `yaml:"token_budget,omitempty"`
	PerAdapterTokenBudget  int    `yaml:"per_adapter_token_budget,omitempty"`
	PerProviderTokenBudget int    `yaml:"per_provider_token_budget,omitempty"`
	PerModelTokenBudget    int    `yaml:"per_model_token_budget,omitempty"`
}

type Onboarding struct {
	CompletedAt    string   `yaml:"completed_at,omitempty"`
	RepositoryPath string   `yaml:"repository_path,omitempty"`
	SelectedAgents []string `yaml:"selected_agents,omitempty"`
}

type Theme struct {
	Name string `yaml:"name"`
}

// Clone returns a deep copy of cfg so callers (e.g. ConfigManager) never
// share mutable state across readers.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Compaction.MaxEntriesPerTier = cloneStringIntMap(cfg.Compaction.MaxEntriesPerTier)
	out.Ralph.SelectedPRDIDs = cloneStringSlice(cfg.Ralph.SelectedPRDIDs)
	out.Ralph.Notifications.Events = cloneStringSlice(cfg.Ralph.Notifications.Events)
	out.Onboarding.SelectedAgents = cloneStringSlice(cfg.Onboarding.SelectedAgents)
	return &out
}

func cloneStringIntMap(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Default returns a fully-defaulted config, as written by onboarding when
// no config.yaml exists yet.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads and validates a config.yaml at path, applying defaults for
// every optional field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads and validates config from path. Named distinctly from
// Load to reflect runtime-refresh call sites.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// Save validates and atomically writes cfg to path (write-temp, fsync,
// rename), following the same atomic-replace idiom used for tier files.
func Save(path string, cfg *Config) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming config file into place: %w", err)
	}
	return nil
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.3
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.Timeout.Duration == 0 {
		cfg.LLM.Timeout.Duration = 120 * time.Second
	}

	if cfg.Compaction.MaxRecentTokens == 0 {
		cfg.Compaction.MaxRecentTokens = 1500
	}
	if cfg.Compaction.MaxSessionsBeforeCompact == 0 {
		cfg.Compaction.MaxSessionsBeforeCompact = 5
	}
	if cfg.Compaction.PromotePatternAfterOccurrences == 0 {
		cfg.Compaction.PromotePatternAfterOccurrences = 3
	}
	if cfg.Compaction.ArchiveSessionsOlderThanDays == 0 {
		cfg.Compaction.ArchiveSessionsOlderThanDays = 30
	}
	if cfg.Compaction.MaxTierTokens == 0 {
		cfg.Compaction.MaxTierTokens = 10000
	}
	if cfg.Compaction.CurationStatus == "" {
		cfg.Compaction.CurationStatus = "approved"
	}
	if cfg.Compaction.IndexDecisionMinConfidence == 0 {
		cfg.Compaction.IndexDecisionMinConfidence = 0.7
	}
	if cfg.Compaction.MaxEntriesPerTier == nil {
		cfg.Compaction.MaxEntriesPerTier = map[string]int{"guardrails": 50, "style": 100, "recent": 100}
	}
	if cfg.Compaction.SummaryThresholdEntries == 0 {
		cfg.Compaction.SummaryThresholdEntries = 40
	}
	if cfg.Compaction.SummaryMaxEntries == 0 {
		cfg.Compaction.SummaryMaxEntries = 1
	}

	if cfg.Retrieval.Backend == "" {
		cfg.Retrieval.Backend = "fts5"
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.FusionK == 0 {
		cfg.Retrieval.FusionK = 60
	}
	if cfg.Retrieval.RerankCandidateK == 0 {
		cfg.Retrieval.RerankCandidateK = 20
	}
	if cfg.Retrieval.EmbeddingDimensions == 0 {
		cfg.Retrieval.EmbeddingDimensions = 64
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Shared.RetryAttempts == 0 {
		cfg.Storage.Shared.RetryAttempts = 3
	}
	if cfg.Storage.Shared.TimeoutSeconds == 0 {
		cfg.Storage.Shared.TimeoutSeconds = 10
	}

	if cfg.Ralph.CompactMode == "" {
		cfg.Ralph.CompactMode = "on-failure"
	}
	if cfg.Ralph.MaxIterations == 0 {
		cfg.Ralph.MaxIterations = 50
	}
	if cfg.Ralph.SleepSeconds == 0 {
		cfg.Ralph.SleepSeconds = 5
	}
	if cfg.Ralph.CodingCLI == "" {
		cfg.Ralph.CodingCLI = "claude-code"
	}
	if cfg.Ralph.IterationTimeout.Duration == 0 {
		cfg.Ralph.IterationTimeout.Duration = 45 * time.Minute
	}

	if cfg.Adapters.OutputDir == "" {
		cfg.Adapters.OutputDir = ".agent/context"
	}
	if cfg.Theme.Name == "" {
		cfg.Theme.Name = "dark+"
	}
}

func normalizePaths(cfg *Config) {
	cfg.Adapters.OutputDir = ExpandHome(cfg.Adapters.OutputDir)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "local", "shared":
	default:
		return fmt.Errorf("storage.backend: must be local or shared, got %q", cfg.Storage.Backend)
	}

	if cfg.Storage.Backend == "shared" {
		if strings.TrimSpace(cfg.Storage.Shared.BaseURL) == "" {
			return fmt.Errorf("storage.shared.base_url is required when storage.backend is shared")
		}
		if isDefaultScope(cfg.Storage.Shared.TenantID, cfg.Storage.Shared.ProjectID) {
			return fmt.Errorf("storage.shared requires explicit tenant_id/project_id, got default/default")
		}
	}

	switch cfg.Retrieval.Backend {
	case "fts5", "hybrid":
	default:
		return fmt.Errorf("retrieval.backend: must be fts5 or hybrid, got %q", cfg.Retrieval.Backend)
	}

	switch cfg.Ralph.CompactMode {
	case "always", "on-failure", "off":
	default:
		return fmt.Errorf("ralph.compact_mode: must be always, on-failure, or off, got %q", cfg.Ralph.CompactMode)
	}

	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature: must be in [0,1], got %v", cfg.LLM.Temperature)
	}

	return nil
}

// isDefaultScope reports whether (tenant, project) is the local-only sentinel scope.
func isDefaultScope(tenant, project string) bool {
	return (tenant == "" || tenant == "default") && (project == "" || project == "default")
}
