package security

import "context"

// AuditQuery filters audit events. Empty fields do not constrain.
type AuditQuery struct {
	UserID    string
	RequestID string
	Action    string
	Limit     int // Default: 100.
}

// AuditStore is an append-only store for audit events.
// No update or delete methods: immutability enforced at the interface level.
type AuditStore interface {
	// Append writes a single audit event. Never updates or deletes.
	Append(ctx context.Context, event AuditEvent) error
	// Query returns matching events, newest first.
	Query(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
}
