package workflow

import (
	"fmt"
	"time"
)

// TransitionInput carries the caller-supplied parts of a transition.
// At is passed in so Transition stays deterministic.
type TransitionInput struct {
	Action     Action
	ActingRole string
	Actor      string
	At         time.Time
}

// Transition computes the next state of req for the given action under
// roleOrder. It performs no I/O and never mutates req.
//
// Checks run in a fixed order: terminal status, stage bounds, stage
// ownership, then the action itself. A rejected action returns a nil
// request and one of ErrAlreadyTerminal, ErrInvalidConfig, ErrRoleMismatch
// or ErrUnknownAction.
func Transition(req *ApprovalRequest, roleOrder []string, in TransitionInput) (*ApprovalRequest, error) {
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, req.RequestID, req.Status)
	}

	idx := req.CurrentStageIndex
	if idx < 0 || idx >= len(roleOrder) {
		return nil, fmt.Errorf("%w: stage index %d out of range for %d-stage role order",
			ErrInvalidConfig, idx, len(roleOrder))
	}

	expected := roleOrder[idx]
	if in.ActingRole != expected {
		return nil, fmt.Errorf("%w: stage %d expects %q, got %q", ErrRoleMismatch, idx, expected, in.ActingRole)
	}

	next := req.Clone()
	switch in.Action {
	case ActionReject:
		next.Status = StatusRejected
	case ActionApprove:
		if idx == len(roleOrder)-1 {
			next.Status = StatusApproved
		} else {
			next.CurrentStageIndex = idx + 1
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, in.Action)
	}

	next.History = append(next.History, HistoryEntry{
		StageIndex: idx,
		ActingRole: in.ActingRole,
		Action:     in.Action,
		Actor:      in.Actor,
		Timestamp:  in.At,
	})
	next.UpdatedAt = in.At
	return next, nil
}
