package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConfig    = errors.New("invalid workflow config")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrDuplicateRequest = errors.New("request already exists")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyTerminal  = errors.New("request already terminal")
	ErrRoleMismatch     = errors.New("role does not own current stage")
	ErrUnknownAction    = errors.New("unknown action")
	ErrConflict         = errors.New("concurrent modification conflict")
)

// Stable error codes exposed to transports.
const (
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeDuplicateRequest = "DUPLICATE_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyTerminal  = "ALREADY_TERMINAL"
	CodeRoleMismatch     = "ROLE_MISMATCH"
	CodeUnknownAction    = "UNKNOWN_ACTION"
	CodeConflict         = "CONFLICT"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL"
)

// Code maps err to its stable code. Errors outside the taxonomy map to
// CodeInternal.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfig):
		return CodeInvalidConfig
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrDuplicateRequest):
		return CodeDuplicateRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyTerminal):
		return CodeAlreadyTerminal
	case errors.Is(err, ErrRoleMismatch):
		return CodeRoleMismatch
	case errors.Is(err, ErrUnknownAction):
		return CodeUnknownAction
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// MaxRequestIDLength bounds externally supplied request identifiers.
const MaxRequestIDLength = 128

// ValidateRoleOrder checks that order is non-empty, has no blank entries and
// no duplicates.
func ValidateRoleOrder(order []string) error {
	if len(order) == 0 {
		return fmt.Errorf("%w: role order must not be empty", ErrInvalidConfig)
	}
	seen := make(map[string]int, len(order))
	for i, role := range order {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("%w: role at position %d is blank", ErrInvalidConfig, i)
		}
		if j, dup := seen[role]; dup {
			return fmt.Errorf("%w: role %q appears at positions %d and %d", ErrInvalidConfig, role, j, i)
		}
		seen[role] = i
	}
	return nil
}

func validateCreate(requestID, title string) error {
	switch {
	case strings.TrimSpace(requestID) == "":
		return fmt.Errorf("%w: request_id is required", ErrInvalidRequest)
	case len(requestID) > MaxRequestIDLength:
		return fmt.Errorf("%w: request_id exceeds %d characters", ErrInvalidRequest, MaxRequestIDLength)
	case strings.TrimSpace(title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	return nil
}
