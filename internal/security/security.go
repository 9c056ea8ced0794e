// Package security authenticates callers, enforces default-deny platform
// RBAC on workflow operations, and records the append-only audit trail.
//
// Platform roles (admin, auditor, ...) are distinct from workflow stage
// roles. Stage ownership is enforced by the workflow engine against the
// acting role supplied with each transition; this package only decides
// whether a caller may invoke an operation at all.
package security

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for security enforcement.
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
)

// Platform roles.
const (
	RoleAdmin             = "admin"
	RoleRiskManager       = "risk_manager"
	RoleComplianceOfficer = "compliance_officer"
	RoleAuditor           = "auditor"
	RoleViewer            = "viewer"
)

// KnownRoles lists every platform role in privilege order.
var KnownRoles = []string{RoleAdmin, RoleRiskManager, RoleComplianceOfficer, RoleAuditor, RoleViewer}

// IsKnownRole reports whether role is a platform role.
func IsKnownRole(role string) bool {
	for _, r := range KnownRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Permissions checked by the gateways.
const (
	PermConfigRead    = "workflow.config.read"
	PermConfigWrite   = "workflow.config.write"
	PermRequestCreate = "workflow.request.create"
	PermRequestRead   = "workflow.request.read"
	PermTransition    = "workflow.request.transition"
	PermAuditRead     = "audit.read"
)

// Principal is an authenticated caller.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	Method string `json:"method"` // "api_key", "demo", "jwt"
}

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	UserID        string         `json:"user_id"`
	Role          string         `json:"role,omitempty"`
	Action        string         `json:"action"`
	RequestID     string         `json:"request_id,omitempty"`
	Result        string         `json:"result"` // "success", "failure", "denied"
	Details       map[string]any `json:"details,omitempty"`
	Error         string         `json:"error,omitempty"`
}

type ctxKey int

const (
	correlationKey ctxKey = iota
	principalKey
)

// WithCorrelationID returns a context carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation ID stored in ctx, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}
