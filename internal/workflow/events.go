package workflow

import (
	"context"
	"time"
)

// EventType identifies a committed workflow change.
type EventType string

const (
	EventConfigSaved         EventType = "config.saved"
	EventRequestCreated      EventType = "request.created"
	EventRequestTransitioned EventType = "request.transitioned"
)

// Event describes a change after it has been committed. Request is set for
// request events, where Config, when present, is the snapshot the change was
// evaluated against. Config alone is set for config.saved.
type Event struct {
	Type      EventType
	Actor     string
	Action    Action
	Role      string
	Request   *ApprovalRequest
	Config    *Config
	Timestamp time.Time
}

// RequestID returns the affected request ID, empty for config events.
func (e Event) RequestID() string {
	if e.Request == nil {
		return ""
	}
	return e.Request.RequestID
}

// EventSink receives committed events. A failing sink never rolls back the
// change that produced the event.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event) error

func (f EventSinkFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }
