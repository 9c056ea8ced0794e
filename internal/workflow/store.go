package workflow

import "context"

// ConfigStore persists the single versioned workflow Config.
type ConfigStore interface {
	// Get returns the committed config, or ErrNotFound when none was seeded.
	Get(ctx context.Context) (*Config, error)

	// Ensure seeds roleOrder at version 1 when no config exists and returns
	// the committed config either way.
	Ensure(ctx context.Context, roleOrder []string) (*Config, error)

	// CompareAndSwap replaces the role order only if the stored version is
	// still expectedVersion. On success the returned config carries
	// expectedVersion+1. On mismatch it returns (nil, false, nil).
	CompareAndSwap(ctx context.Context, expectedVersion int64, roleOrder []string, updatedBy string) (*Config, bool, error)
}

// RequestStore persists approval requests.
type RequestStore interface {
	// Create inserts req. Returns ErrDuplicateRequest when the id exists.
	Create(ctx context.Context, req *ApprovalRequest) error

	// Get returns a copy of the stored request or ErrNotFound.
	Get(ctx context.Context, requestID string) (*ApprovalRequest, error)

	// CompareAndSwap stores next only if the stored record is still at
	// expectedVersion. History entries beyond the stored history are
	// appended. Returns false without mutation on a version mismatch and
	// ErrNotFound when the request does not exist.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next *ApprovalRequest) (bool, error)

	// List returns requests matching f, most recently updated first.
	List(ctx context.Context, f ListFilter) ([]*ApprovalRequest, error)

	// Count returns the number of requests with the given status, or all
	// requests when status is empty.
	Count(ctx context.Context, status Status) (int64, error)
}
