package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/grcflow/internal/workflow"
)

// AuditLogger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can log concurrently.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{
		file:   f,
		logger: logger,
	}, nil
}

// LogAction serializes the event as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("action", event.Action),
		slog.String("user_id", event.UserID),
		slog.String("result", event.Result),
		slog.String("correlation_id", event.CorrelationID),
	)
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Recorder turns committed workflow events and access denials into audit
// events, writing each to the JSONL file and the audit store when present.
type Recorder struct {
	file   *AuditLogger
	store  AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. Either sink may be nil.
func NewRecorder(file *AuditLogger, store AuditStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		file:   file,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent implements workflow.EventSink.
func (r *Recorder) HandleEvent(ctx context.Context, ev workflow.Event) error {
	event := AuditEvent{
		Action:    string(ev.Type),
		Result:    "success",
		RequestID: ev.RequestID(),
		Timestamp: ev.Timestamp,
		UserID:    ev.Actor,
		Details:   map[string]any{},
	}
	if p := PrincipalFrom(ctx); p != nil {
		event.Role = p.Role
		if event.UserID == "" {
			event.UserID = p.UserID
		}
	}
	switch {
	case ev.Request != nil:
		event.Details["status"] = string(ev.Request.Status)
		event.Details["stage_index"] = ev.Request.CurrentStageIndex
		event.Details["version"] = ev.Request.Version
		if ev.Action != "" {
			event.Details["action"] = string(ev.Action)
			event.Details["acting_role"] = ev.Role
		}
		if ev.Config != nil {
			event.Details["config_version"] = ev.Config.Version
		}
	case ev.Config != nil:
		event.Details["role_order"] = ev.Config.RoleOrder
		event.Details["version"] = ev.Config.Version
	}
	return r.Record(ctx, event)
}

// RecordDenied audits a request refused by authentication or RBAC.
func (r *Recorder) RecordDenied(ctx context.Context, p *Principal, action string, cause error) {
	event := AuditEvent{
		Action: action,
		Result: "denied",
		Error:  cause.Error(),
	}
	if p != nil {
		event.UserID = p.UserID
		event.Role = p.Role
	}
	if err := r.Record(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "recording denial failed", slog.String("error", err.Error()))
	}
}

// Record fills ID, timestamp and correlation ID, then writes to every sink.
func (r *Recorder) Record(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = CorrelationID(ctx)
	}

	var errs []error
	if r.file != nil {
		if err := r.file.LogAction(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if r.store != nil {
		if err := r.store.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Query reads from the audit store.
func (r *Recorder) Query(ctx context.Context, q AuditQuery) ([]AuditEvent, error) {
	if r.store == nil {
		return nil, errors.New("audit store not configured")
	}
	return r.store.Query(ctx, q)
}
