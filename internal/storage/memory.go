package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
)

// MemoryStore implements Store in process memory. Nothing survives a restart.
type MemoryStore struct {
	configs  *workflow.InMemoryConfigStore
	requests *workflow.InMemoryRequestStore
	audit    *memoryAudit
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:  workflow.NewInMemoryConfigStore(),
		requests: workflow.NewInMemoryRequestStore(),
		audit:    &memoryAudit{},
	}
}

func (s *MemoryStore) Configs() workflow.ConfigStore   { return s.configs }
func (s *MemoryStore) Requests() workflow.RequestStore { return s.requests }
func (s *MemoryStore) Audit() security.AuditStore      { return s.audit }
func (s *MemoryStore) Migrate(context.Context) error   { return nil }
func (s *MemoryStore) Ping(context.Context) error      { return nil }
func (s *MemoryStore) Close() error                    { return nil }
func (s *MemoryStore) Driver() string                  { return DriverMemory }

type memoryAudit struct {
	mu     sync.RWMutex
	events []security.AuditEvent
}

func (m *memoryAudit) Append(_ context.Context, e security.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memoryAudit) Query(_ context.Context, q security.AuditQuery) ([]security.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	var out []security.AuditEvent
	for _, e := range m.events {
		if (q.UserID != "" && e.UserID != q.UserID) ||
			(q.RequestID != "" && e.RequestID != q.RequestID) ||
			(q.Action != "" && e.Action != q.Action) {
			continue
		}
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
