package store

import "github.com/antigravity-dev/mnemo/internal/errs"

// Scope is the explicit (tenant_id, project_id) pair threaded through every
// Storage call. Local-backend callers pass the default scope; shared-backend
// callers must supply a non-default tenant and project.
type Scope struct {
	TenantID  string
	ProjectID string
}

// DefaultScope is the sentinel scope legal only in local backend mode.
var DefaultScope = Scope{TenantID: "default", ProjectID: "default"}

// IsDefault reports whether s is the sentinel default scope.
func (s Scope) IsDefault() bool {
	return s.TenantID == "default" && s.ProjectID == "default"
}

// checkScope enforces namespace validation: the default scope is rejected
// whenever the store was opened with requireExplicitScope set (shared
// backend mode).
func (s *Store) checkScope(scope Scope) error {
	if s.requireExplicitScope && scope.IsDefault() {
		return &errs.NamespaceValidationError{TenantID: scope.TenantID, ProjectID: scope.ProjectID}
	}
	return nil
}
