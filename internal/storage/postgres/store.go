package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/storage"
	"github.com/jkaninda/grcflow/internal/workflow"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu       sync.Mutex
	configs  workflow.ConfigStore
	requests workflow.RequestStore
	audit    security.AuditStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.pgDB.Migrate(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Configs() workflow.ConfigStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configs == nil {
		s.configs = NewConfigRepository(s.pgDB.GormDB())
	}
	return s.configs
}

func (s *Store) Requests() workflow.RequestStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests == nil {
		s.requests = NewRequestRepository(s.pgDB.GormDB())
	}
	return s.requests
}

func (s *Store) Audit() security.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

var _ storage.Store = (*Store)(nil)
