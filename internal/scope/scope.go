// Package scope defines the tenant/workspace/user sharing model and the
// visibility rule every read path applies.
package scope

import (
	"errors"
	"fmt"
)

// Scope is the sharing level a document is stored under.
type Scope string

const (
	// ScopeTenant is visible to every caller of the tenant.
	ScopeTenant Scope = "tenant"
	// ScopeWorkspace is visible to callers presenting the same workspace.
	ScopeWorkspace Scope = "workspace"
	// ScopeUser is visible only to the same workspace and principal.
	ScopeUser Scope = "user"
)

// ParseScope validates a scope string. Empty defaults to tenant.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "":
		return ScopeTenant, nil
	case ScopeTenant, ScopeWorkspace, ScopeUser:
		return Scope(s), nil
	}
	return "", fmt.Errorf("invalid scope: %q", s)
}

// Key is the full ownership coordinate of a stored document.
type Key struct {
	TenantID    string `json:"tenant_id"`
	Scope       Scope  `json:"scope"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	PrincipalID string `json:"principal_id,omitempty"`
}

// Validate enforces the identifier requirements per scope level. Workspace
// scope needs a workspace id, user scope needs both workspace and principal.
func (k Key) Validate() error {
	if k.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	switch k.Scope {
	case ScopeTenant:
		return nil
	case ScopeWorkspace:
		if k.WorkspaceID == "" {
			return errors.New("workspace scope requires a workspace_id")
		}
		return nil
	case ScopeUser:
		if k.WorkspaceID == "" {
			return errors.New("user scope requires a workspace_id")
		}
		if k.PrincipalID == "" {
			return errors.New("user scope requires a principal_id")
		}
		return nil
	}
	return fmt.Errorf("invalid scope: %q", k.Scope)
}

// Visibility is the caller's identity for read filtering: the tenant from
// the API key plus the optional workspace and principal headers.
type Visibility struct {
	TenantID    string
	WorkspaceID string
	PrincipalID string
}

// Allows reports whether a document stored under key is visible to this
// caller. Tenant-scoped documents are visible tenant-wide; workspace-scoped
// require a matching workspace; user-scoped require both workspace and
// principal to match.
func (v Visibility) Allows(k Key) bool {
	if v.TenantID == "" || k.TenantID != v.TenantID {
		return false
	}
	switch k.Scope {
	case ScopeTenant:
		return true
	case ScopeWorkspace:
		return v.WorkspaceID != "" && k.WorkspaceID == v.WorkspaceID
	case ScopeUser:
		return v.WorkspaceID != "" && v.PrincipalID != "" &&
			k.WorkspaceID == v.WorkspaceID && k.PrincipalID == v.PrincipalID
	}
	return false
}

// KeyFor builds the storage Key for a write at the requested scope, taking
// the workspace and principal from the caller's headers. The error messages
// surface directly as 400 responses.
func (v Visibility) KeyFor(s Scope) (Key, error) {
	k := Key{TenantID: v.TenantID, Scope: s}
	switch s {
	case ScopeTenant:
	case ScopeWorkspace:
		if v.WorkspaceID == "" {
			return Key{}, errors.New("missing X-Workspace-Id header for workspace scope")
		}
		k.WorkspaceID = v.WorkspaceID
	case ScopeUser:
		if v.WorkspaceID == "" {
			return Key{}, errors.New("missing X-Workspace-Id header for user scope")
		}
		if v.PrincipalID == "" {
			return Key{}, errors.New("missing X-Principal-Id header for user scope")
		}
		k.WorkspaceID = v.WorkspaceID
		k.PrincipalID = v.PrincipalID
	default:
		return Key{}, fmt.Errorf("invalid scope: %q", s)
	}
	return k, nil
}
