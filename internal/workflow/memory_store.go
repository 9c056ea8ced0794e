package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryConfigStore implements ConfigStore with a mutex-guarded value.
// Used when no database is configured and in tests.
type InMemoryConfigStore struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewInMemoryConfigStore creates an empty config store. Call Ensure to seed it.
func NewInMemoryConfigStore() *InMemoryConfigStore {
	return &InMemoryConfigStore{}
}

func (s *InMemoryConfigStore) Get(_ context.Context) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, fmt.Errorf("workflow config: %w", ErrNotFound)
	}
	return s.cfg.Clone(), nil
}

func (s *InMemoryConfigStore) Ensure(_ context.Context, roleOrder []string) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		s.cfg = &Config{
			RoleOrder: append([]string(nil), roleOrder...),
			Version:   1,
			UpdatedAt: time.Now().UTC(),
		}
	}
	return s.cfg.Clone(), nil
}

func (s *InMemoryConfigStore) CompareAndSwap(_ context.Context, expectedVersion int64, roleOrder []string, updatedBy string) (*Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if s.cfg != nil {
		current = s.cfg.Version
	}
	if current != expectedVersion {
		return nil, false, nil
	}
	s.cfg = &Config{
		RoleOrder: append([]string(nil), roleOrder...),
		Version:   expectedVersion + 1,
		UpdatedBy: updatedBy,
		UpdatedAt: time.Now().UTC(),
	}
	return s.cfg.Clone(), true, nil
}

// InMemoryRequestStore implements RequestStore using a map keyed by request ID.
type InMemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*ApprovalRequest
}

// NewInMemoryRequestStore creates an empty request store.
func NewInMemoryRequestStore() *InMemoryRequestStore {
	return &InMemoryRequestStore{requests: make(map[string]*ApprovalRequest)}
}

func (s *InMemoryRequestStore) Create(_ context.Context, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.RequestID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RequestID)
	}
	s.requests[req.RequestID] = req.Clone()
	return nil
}

func (s *InMemoryRequestStore) Get(_ context.Context, requestID string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	return req.Clone(), nil
}

func (s *InMemoryRequestStore) CompareAndSwap(_ context.Context, expectedVersion int64, next *ApprovalRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[next.RequestID]
	if !ok {
		return false, fmt.Errorf("request %s: %w", next.RequestID, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return false, nil
	}
	s.requests[next.RequestID] = next.Clone()
	return true, nil
}

func (s *InMemoryRequestStore) List(_ context.Context, f ListFilter) ([]*ApprovalRequest, error) {
	f = f.Normalize()
	s.mu.RLock()
	var out []*ApprovalRequest
	for _, req := range s.requests {
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !req.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, req.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *InMemoryRequestStore) Count(_ context.Context, status Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status == "" {
		return int64(len(s.requests)), nil
	}
	var n int64
	for _, req := range s.requests {
		if req.Status == status {
			n++
		}
	}
	return n, nil
}

var (
	_ ConfigStore  = (*InMemoryConfigStore)(nil)
	_ RequestStore = (*InMemoryRequestStore)(nil)
)
