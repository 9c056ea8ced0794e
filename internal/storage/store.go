// Package storage defines the unified Store interface that abstracts all persistence operations.
// Backends: SQLite (default, zero-config), PostgreSQL (production) and an
// in-memory store for tests and demos.
package storage

import (
	"context"

	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
)

// Store is the unified persistence interface for grcflow.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors. The returned stores share the same connection pool.
	Configs() workflow.ConfigStore
	Requests() workflow.RequestStore
	Audit() security.AuditStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite", "postgres" or "memory").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverMemory keeps everything in process memory. Intended for tests and demos.
const DriverMemory = "memory"
