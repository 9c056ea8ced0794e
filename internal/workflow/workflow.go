// Package workflow implements a role-gated approval workflow.
//
// Requests advance through an ordered list of stage roles held in a single
// versioned Config. Each accepted approve moves a request one stage forward;
// approve at the last stage or any reject makes it terminal. All mutations of
// stored requests and of the Config go through optimistic compare-and-swap on
// a version token, so concurrent callers never apply two transitions to the
// same pre-state.
package workflow

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Action is an operation submitted against the current stage of a request.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction normalizes user input. Unknown values are returned as-is and
// rejected later by Transition.
func ParseAction(s string) Action {
	return Action(strings.ToLower(strings.TrimSpace(s)))
}

// Config is the process-wide stage order. Version increases by one on every
// committed save.
type Config struct {
	RoleOrder []string  `json:"role_order"`
	Version   int64     `json:"version"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RoleOrder = append([]string(nil), c.RoleOrder...)
	return &cp
}

// StageRole returns the role owning stage idx, or false when idx is out of range.
func (c *Config) StageRole(idx int) (string, bool) {
	if c == nil || idx < 0 || idx >= len(c.RoleOrder) {
		return "", false
	}
	return c.RoleOrder[idx], true
}

// HistoryEntry records one accepted transition. Entries are never modified.
type HistoryEntry struct {
	StageIndex int       `json:"stage_index"`
	ActingRole string    `json:"acting_role"`
	Action     Action    `json:"action"`
	Actor      string    `json:"actor,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApprovalRequest is a tracked request and its position in the workflow.
type ApprovalRequest struct {
	RequestID         string         `json:"request_id"`
	Title             string         `json:"title"`
	CurrentStageIndex int            `json:"current_stage_index"`
	Status            Status         `json:"status"`
	Version           int64          `json:"version"`
	History           []HistoryEntry `json:"history"`
	CreatedBy         string         `json:"created_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate stored state.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.History = append(make([]HistoryEntry, 0, len(r.History)), r.History...)
	return &cp
}

// View is the external rendering of a request. Stage is the role owning the
// current stage under the given config, empty once terminal.
type View struct {
	*ApprovalRequest
	Stage string `json:"stage"`
}

// NewView renders req against cfg.
func NewView(req *ApprovalRequest, cfg *Config) View {
	v := View{ApprovalRequest: req}
	if req != nil && req.Status == StatusPending {
		v.Stage, _ = cfg.StageRole(req.CurrentStageIndex)
	}
	return v
}

// ListFilter selects requests for List. Zero values mean no constraint.
type ListFilter struct {
	Status        Status
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Normalize clamps Limit and Offset to supported bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
