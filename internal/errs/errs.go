// Package errs defines the sentinel error taxonomy shared across mnemo's
// subsystems, so callers can errors.As a specific failure mode where control
// flow actually depends on it (continue past a parse error, abort on a
// backend outage).
package errs

import "fmt"

// ConfigError wraps a malformed config.yaml: unknown provider, missing
// required field, or a value that fails validate().
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Msg)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// NamespaceValidationError reports use of the default tenant/project scope
// against a backend that requires explicit scoping.
type NamespaceValidationError struct {
	TenantID  string
	ProjectID string
}

func (e *NamespaceValidationError) Error() string {
	return fmt.Sprintf("namespace validation: scope (%q, %q) is not permitted under the configured backend", e.TenantID, e.ProjectID)
}

// StorageBackendUnavailable reports a shared-backend write failure after
// retries are exhausted.
type StorageBackendUnavailable struct {
	Op  string
	Err error
}

func (e *StorageBackendUnavailable) Error() string {
	return fmt.Sprintf("storage backend unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageBackendUnavailable) Unwrap() error { return e.Err }

// IngestParseError records that a single source session failed to parse;
// the pipeline continues past it.
type IngestParseError struct {
	Source    string
	SessionID string
	Err       error
}

func (e *IngestParseError) Error() string {
	return fmt.Sprintf("ingest parse %s/%s: %v", e.Source, e.SessionID, e.Err)
}

func (e *IngestParseError) Unwrap() error { return e.Err }

// ExtractionTimeout reports that an extractor batch exceeded its deadline.
type ExtractionTimeout struct {
	SessionID string
	Err       error
}

func (e *ExtractionTimeout) Error() string {
	return fmt.Sprintf("extraction timeout for session %s: %v", e.SessionID, e.Err)
}

func (e *ExtractionTimeout) Unwrap() error { return e.Err }

// ExtractionRateLimited reports that the LLM provider rejected a request as
// rate-limited.
type ExtractionRateLimited struct {
	SessionID string
	Err       error
}

func (e *ExtractionRateLimited) Error() string {
	return fmt.Sprintf("extraction rate limited for session %s: %v", e.SessionID, e.Err)
}

func (e *ExtractionRateLimited) Unwrap() error { return e.Err }

// ExtractionFailed reports a non-retryable extractor failure. The pipeline
// records the session's diagnostic with outcome "error" and does not mark
// the session processed or skipped, so the next sync extracts it again.
type ExtractionFailed struct {
	SessionID string
	Err       error
}

func (e *ExtractionFailed) Error() string {
	return fmt.Sprintf("extraction failed for session %s: %v", e.SessionID, e.Err)
}

func (e *ExtractionFailed) Unwrap() error { return e.Err }

// TierValidationError reports that a tier write would violate the header or
// section schema; the write is rejected and the tier left unchanged.
type TierValidationError struct {
	Tier string
	Msg  string
}

func (e *TierValidationError) Error() string {
	return fmt.Sprintf("tier validation: %s: %s", e.Tier, e.Msg)
}

// LoopSpawnError reports that the iteration loop's agent subprocess could
// not be launched; the iteration is archived with outcome=blocked.
type LoopSpawnError struct {
	CLI string
	Err error
}

func (e *LoopSpawnError) Error() string {
	return fmt.Sprintf("loop spawn %s: %v", e.CLI, e.Err)
}

func (e *LoopSpawnError) Unwrap() error { return e.Err }

// BudgetExceeded is not an error in the traditional sense but a terminal
// condition the iteration loop checks for and halts on.
type BudgetExceeded struct {
	SpentUSD   float64
	BudgetUSD  float64
	Iterations int
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: spent $%.2f of $%.2f after %d iterations", e.SpentUSD, e.BudgetUSD, e.Iterations)
}
