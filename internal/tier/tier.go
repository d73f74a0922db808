// Package tier owns the three markdown tier files (guardrails, style,
// recent) that carry curated knowledge to downstream coding agents: reading,
// atomic writing, dedup, size-budget enforcement, and snapshot archiving.
package tier

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antigravity-dev/mnemo/internal/errs"
)

// Tier identifies one of the three curated markdown artifacts.
type Tier string

const (
	Guardrails Tier = "guardrails"
	Style      Tier = "style"
	Recent     Tier = "recent"
)

var canonicalHeader = map[Tier]string{
	Guardrails: "# Guardrails",
	Style:      "# Style",
	Recent:     "# Recent",
}

var headerDescription = map[Tier]string{
	Guardrails: "Hard constraints and failure patterns this agent must not repeat.",
	Style:      "Preferences and promoted patterns for how this repository's code should be written.",
	Recent:     "A rolling summary of recently completed work.",
}

var defaultMaxEntries = map[Tier]int{
	Guardrails: 50,
	Style:      100,
	Recent:     100,
}

func (t Tier) fileName() string {
	switch t {
	case Guardrails:
		return "GUARDRAILS.md"
	case Style:
		return "STYLE.md"
	case Recent:
		return "RECENT.md"
	default:
		return string(t) + ".md"
	}
}

// Store owns the tier files rooted at dir (the repository's .agent
// directory).
type Store struct {
	dir    string
	logger *slog.Logger
}

// New returns a Store rooted at dir. A nil logger falls back to slog's
// default handler.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

func (s *Store) path(t Tier) string {
	return filepath.Join(s.dir, t.fileName())
}

// ReadTier returns the current contents of tier's file, or the canonical
// empty-file header if it does not yet exist.
func (s *Store) ReadTier(t Tier) (string, error) {
	data, err := os.ReadFile(s.path(t))
	if err != nil {
		if os.IsNotExist(err) {
			return ensureHeader(t, ""), nil
		}
		return "", fmt.Errorf("tier: read %s: %w", t, err)
	}
	return string(data), nil
}

// ensureHeader prepends the canonical header when content is empty or does
// not already begin with it, per the header invariant.
func ensureHeader(t Tier, content string) string {
	header := canonicalHeader[t]
	if strings.HasPrefix(strings.TrimLeft(content, "\n"), header) {
		return content
	}
	preamble := fmt.Sprintf("%s\n\n%s\n", header, headerDescription[t])
	if strings.TrimSpace(content) == "" {
		return preamble
	}
	return preamble + "\n" + content
}

// Ensure creates tier's file with the canonical header when it is missing
// or headerless, leaving already-headed content untouched.
func (s *Store) Ensure(t Tier) error {
	data, err := os.ReadFile(s.path(t))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tier: read %s: %w", t, err)
	}
	next := ensureHeader(t, string(data))
	if err == nil && next == string(data) {
		return nil
	}
	return s.writeAtomic(t, next)
}

// writeAtomic writes content to tier's file via temp-file-write + fsync +
// rename, per the "atomic tier rewrites" design note.
func (s *Store) writeAtomic(t Tier, content string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("tier: create dir %s: %w", s.dir, err)
	}
	dst := s.path(t)
	tmp, err := os.CreateTemp(s.dir, "."+string(t)+"-*.md.tmp")
	if err != nil {
		return fmt.Errorf("tier: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("tier: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tier: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tier: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("tier: rename into place: %w", err)
	}
	s.logger.Debug("tier write", "tier", t, "bytes", len(content))
	return nil
}

// snapshot copies the previous non-empty tier content to
// archive/<tier>-<UTC-timestamp>.md before a rewrite, per the atomic
// snapshot invariant.
func (s *Store) snapshot(t Tier, previous string) error {
	if strings.TrimSpace(previous) == "" {
		return nil
	}
	archiveDir := filepath.Join(s.dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("tier: create archive dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.md", t, time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(archiveDir, name)
	if err := os.WriteFile(path, []byte(previous), 0o644); err != nil {
		return fmt.Errorf("tier: write snapshot %s: %w", path, err)
	}
	return nil
}

// validateTier checks required-section presence and malformed header
// detection before any commit.
func validateTier(t Tier, content string) error {
	if !strings.Contains(content, canonicalHeader[t]) {
		return &errs.TierValidationError{Tier: string(t), Msg: "missing canonical header " + canonicalHeader[t]}
	}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "## ") {
			continue
		}
		if entryHeaderPattern.MatchString(trimmed) || hardFailureHeaderPattern.MatchString(trimmed) {
			continue
		}
		return &errs.TierValidationError{Tier: string(t), Msg: "malformed section header: " + trimmed}
	}
	return nil
}
