package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Role defines a named set of permissions.
type Role struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"` // Explicitly allowed permission names.
}

// RBACConfig is the full role-based access control configuration.
type RBACConfig struct {
	Roles     map[string]Role   // role name → definition
	UserRoles map[string]string // user ID → role name, overrides the token role
}

// DefaultRoles reserves config changes to admin and audit reads to admin and
// auditor. Viewers are read-only; every other role may create and transition
// requests.
func DefaultRoles() map[string]Role {
	submit := []string{PermConfigRead, PermRequestRead, PermRequestCreate, PermTransition}
	return map[string]Role{
		RoleAdmin:             {Name: RoleAdmin, Permissions: append([]string{PermConfigWrite, PermAuditRead}, submit...)},
		RoleRiskManager:       {Name: RoleRiskManager, Permissions: submit},
		RoleComplianceOfficer: {Name: RoleComplianceOfficer, Permissions: submit},
		RoleAuditor:           {Name: RoleAuditor, Permissions: append([]string{PermAuditRead}, submit...)},
		RoleViewer:            {Name: RoleViewer, Permissions: []string{PermConfigRead, PermRequestRead}},
	}
}

// RBAC enforces role-based access control with default-deny semantics.
// Safe for concurrent use.
type RBAC struct {
	mu        sync.RWMutex
	roles     map[string]Role
	userRoles map[string]string
	logger    *slog.Logger
}

// NewRBAC creates an RBAC enforcer from the given configuration.
// A nil Roles map selects DefaultRoles.
func NewRBAC(cfg RBACConfig, logger *slog.Logger) *RBAC {
	roles := cfg.Roles
	if roles == nil {
		roles = DefaultRoles()
	}
	return &RBAC{
		roles:     roles,
		userRoles: cfg.UserRoles,
		logger:    logger,
	}
}

// ResolveRole returns the effective platform role for p.
func (r *RBAC) ResolveRole(p *Principal) string {
	if p == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role, ok := r.userRoles[p.UserID]; ok {
		return role
	}
	return p.Role
}

// Authorize returns nil if the principal's role explicitly includes perm.
// Default-deny: no role or missing permission means denied.
func (r *RBAC) Authorize(ctx context.Context, p *Principal, perm string) error {
	if p == nil {
		return fmt.Errorf("%w: no principal", ErrUnauthenticated)
	}
	roleName := r.ResolveRole(p)

	r.mu.RLock()
	role, ok := r.roles[roleName]
	r.mu.RUnlock()
	if !ok {
		r.logger.WarnContext(ctx, "permission denied: unknown role",
			slog.String("user_id", p.UserID),
			slog.String("role", roleName),
			slog.String("permission", perm),
		)
		return fmt.Errorf("%w: user %q has no assigned role", ErrPermissionDenied, p.UserID)
	}

	if !roleHasPermission(role, perm) {
		r.logger.WarnContext(ctx, "permission denied: permission not in role",
			slog.String("user_id", p.UserID),
			slog.String("role", role.Name),
			slog.String("permission", perm),
		)
		return fmt.Errorf("%w: role %q does not include %q", ErrPermissionDenied, role.Name, perm)
	}
	return nil
}

// roleHasPermission checks if perm is in the role's permission list.
// No wildcards: every permission must be explicitly enumerated.
func roleHasPermission(role Role, perm string) bool {
	for _, p := range role.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
