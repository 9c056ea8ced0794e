package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/grcflow/internal/config"
	"github.com/jkaninda/grcflow/internal/observability"
	"github.com/jkaninda/grcflow/internal/ratelimit"
	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/storage"
	pgstore "github.com/jkaninda/grcflow/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/grcflow/internal/storage/sqlite"
	"github.com/jkaninda/grcflow/internal/workflow"
)

// SharedComponents holds every subsystem the server needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite, PostgreSQL or memory).
	Obs    *observability.Observability

	// Configs and Requests are the store's sub-stores, wrapped with
	// metrics and tracing when observability is enabled.
	Configs  workflow.ConfigStore
	Requests workflow.RequestStore

	Auth     *security.Authenticator
	RBAC     *security.RBAC
	Recorder *security.Recorder
	Limiter  *ratelimit.Limiter
	Health   *observability.HealthChecker

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared opens storage, observability and the security layer.
// On error, everything opened so far is released.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *SharedComponents, err error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			sc.Cleanup()
		}
	}()

	// Observability (optional).
	obs, err := observability.New(cfg.Observability, logger, observability.WithServiceVersion(version))
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	if obs != nil {
		sc.Obs = obs
		sc.addCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		})
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage.
	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating %s store: %w", store.Driver(), err)
	}
	logger.Info("storage initialized", slog.String("driver", store.Driver()))

	sc.Configs = store.Configs()
	sc.Requests = store.Requests()
	m, ts, anomaly := sc.Obs.MetricsOrNil(), sc.Obs.TracerOrNil(), sc.Obs.AnomalyOrNil()
	if m != nil || ts != nil || anomaly != nil {
		sc.Configs = observability.NewInstrumentedConfigStore(sc.Configs, m, ts, anomaly)
		sc.Requests = observability.NewInstrumentedRequestStore(sc.Requests, m, ts, anomaly)
	}

	sc.Health = sc.Obs.HealthOrNew(logger)
	sc.Health.AddCheck("storage", store.Ping)
	// Readiness checks read the raw store so they stay out of the operation metrics.
	sc.Health.AddDetailedCheck("workflow_config", observability.WorkflowConfigCheck(store.Configs()))

	// Security.
	sc.Auth = security.NewAuthenticator(buildAuthConfig(&cfg.Security), logger)
	sc.RBAC = security.NewRBAC(security.RBACConfig{UserRoles: cfg.Security.UserRoles}, logger)
	if cfg.Security.DemoMode {
		logger.Warn("demo mode is enabled: demo-<role> tokens are accepted without verification")
	}

	auditFile, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	sc.addCleanup(func() {
		if err := auditFile.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})
	sc.Recorder = security.NewRecorder(auditFile, store.Audit(), logger)
	logger.Debug("audit log opened", slog.String("path", cfg.AuditLogPath()))

	var rl config.RateLimitConfig
	if cfg.Gateways.HTTP != nil {
		rl = cfg.Gateways.HTTP.RateLimit
	}
	sc.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: rl.RequestsPerMinute,
		BurstSize:         rl.BurstSize,
	})

	return sc, nil
}

// initStore opens the configured storage backend.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(ctx, cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case storage.DriverMemory:
		logger.Warn("memory storage selected: data is lost on restart")
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or GRCFLOW_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(ctx, pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

func buildAuthConfig(sec *config.SecurityConfig) security.AuthConfig {
	keys := make(map[string]security.APIKey, len(sec.APIKeys))
	for k, id := range sec.APIKeys {
		keys[k] = security.APIKey{UserID: id.UserID, Role: id.Role}
	}
	return security.AuthConfig{
		DemoMode:    sec.DemoMode,
		JWTSecret:   sec.JWTSecret,
		DefaultRole: sec.DefaultRole,
		APIKeys:     keys,
	}
}

// newLogger returns a JSON logger on stderr at the given level.
// Unknown levels fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
}
