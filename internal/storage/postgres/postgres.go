// Package postgres implements PostgreSQL-backed storage for grcflow using GORM.
// All GORM usage is confined to this package and the sqlite backend, which
// reuses these models and repositories. Domain types remain ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/grcflow/internal/workflow"
)

const (
	applicationName = "grcflow"
	connectTimeout  = 10 * time.Second
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// DB is the pooled GORM connection shared by the workflow and audit repositories.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open parses the DSN with pgx, opens the pool and verifies the server is
// reachable. The schema is created by Migrate.
func Open(ctx context.Context, cfg Config, slogger *slog.Logger) (*DB, error) {
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	if connCfg.RuntimeParams["application_name"] == "" {
		connCfg.RuntimeParams["application_name"] = applicationName
	}

	sqlDB := stdlib.OpenDB(*connCfg)
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         NewGormLogger(slogger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("pinging postgres at %s:%d: %w", connCfg.Host, connCfg.Port, err)
	}

	slogger.Info("postgres connected",
		slog.String("host", connCfg.Host),
		slog.String("database", connCfg.Database),
		slog.Int("max_open_conns", cfg.maxOpen()),
	)
	return &DB{gormDB: db, logger: slogger}, nil
}

func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping checks the database connection for readiness checks.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates the workflow and audit tables, then adds the CHECK
// constraints that hold request and config rows to the workflow invariants.
func (d *DB) Migrate(ctx context.Context) error {
	db := d.gormDB.WithContext(ctx)
	if err := AutoMigrate(db); err != nil {
		return err
	}
	for _, c := range checkConstraints() {
		if db.Migrator().HasConstraint(c.model, c.name) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s)", c.table, c.name, c.expr)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("adding constraint %s: %w", c.name, err)
		}
		d.logger.Debug("constraint added", slog.String("constraint", c.name))
	}
	return nil
}

// AutoMigrate creates or updates every table. Shared with the sqlite backend.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models()...); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

type checkConstraint struct {
	model any
	table string
	name  string
	expr  string
}

func checkConstraints() []checkConstraint {
	statuses := fmt.Sprintf("'%s', '%s', '%s'", workflow.StatusPending, workflow.StatusApproved, workflow.StatusRejected)
	return []checkConstraint{
		{&WorkflowConfigModel{}, "workflow_config", "chk_workflow_config_singleton", fmt.Sprintf("id = %d", configRowID)},
		{&WorkflowConfigModel{}, "workflow_config", "chk_workflow_config_version", "version >= 1"},
		{&ApprovalRequestModel{}, "approval_requests", "chk_approval_requests_status", "status IN (" + statuses + ")"},
		{&ApprovalRequestModel{}, "approval_requests", "chk_approval_requests_stage", "current_stage_index >= 0"},
		{&ApprovalRequestModel{}, "approval_requests", "chk_approval_requests_version", "version >= 1"},
	}
}

// slogAdapter routes GORM's logger.Writer output to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}

// NewGormLogger returns the GORM logger used by every backend: warnings and
// slow queries (over 200ms) only, routed to slog.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}
