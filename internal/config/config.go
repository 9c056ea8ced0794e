// Package config handles loading and validating grcflow configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for grcflow.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info (default), warn, error.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.grcflow/data. Override: GRCFLOW_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = SQLite under data_dir
	Workflow      WorkflowConfig       `json:"workflow" yaml:"workflow"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = janitor disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/grcflow.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: GRCFLOW_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// WorkflowConfig tunes the approval engine.
type WorkflowConfig struct {
	DefaultRoleOrder   []string `json:"default_role_order" yaml:"default_role_order"`     // Seeded when no config exists. Default: ["L1"].
	MaxCASAttempts     int      `json:"max_cas_attempts" yaml:"max_cas_attempts"`         // Default: 5.
	RetryBackoffMaxMS  int      `json:"retry_backoff_max_ms" yaml:"retry_backoff_max_ms"` // Default: 20.
	OperationTimeoutMS int      `json:"operation_timeout_ms" yaml:"operation_timeout_ms"` // Per-call deadline. Default: 2000.
}

// RetryBackoffMax returns the jitter cap between CAS attempts.
func (w WorkflowConfig) RetryBackoffMax() time.Duration {
	if w.RetryBackoffMaxMS > 0 {
		return time.Duration(w.RetryBackoffMaxMS) * time.Millisecond
	}
	return 20 * time.Millisecond
}

// OperationTimeout returns the deadline applied to each API call.
func (w WorkflowConfig) OperationTimeout() time.Duration {
	if w.OperationTimeoutMS > 0 {
		return time.Duration(w.OperationTimeoutMS) * time.Millisecond
	}
	return 2 * time.Second
}

// SecurityConfig configures authentication, roles and auditing.
type SecurityConfig struct {
	DemoMode     bool                    `json:"demo_mode" yaml:"demo_mode"`                       // Accept "demo-<role>" tokens. Override: DEMO_MODE env var.
	JWTSecret    string                  `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"` // HS256 secret. Override: JWT_SECRET or SUPABASE_JWT_SECRET.
	DefaultRole  string                  `json:"default_role" yaml:"default_role"`                 // Role for tokens without one. Default: viewer.
	APIKeys      map[string]APIKeyConfig `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`     // Key → identity. Override: GRCFLOW_API_KEYS.
	UserRoles    map[string]string       `json:"user_roles,omitempty" yaml:"user_roles,omitempty"` // User ID → role, overrides token claims.
	AuditLogPath string                  `json:"audit_log_path" yaml:"audit_log_path"`             // Default: <data_dir>/audit.jsonl.
}

// APIKeyConfig maps a static API key to an identity.
type APIKeyConfig struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Role   string `json:"role" yaml:"role"`
}

// GatewaysConfig groups the externally reachable surfaces.
type GatewaysConfig struct {
	HTTP   *HTTPGatewayConfig   `json:"http,omitempty" yaml:"http,omitempty"`
	Events *EventsGatewayConfig `json:"events,omitempty" yaml:"events,omitempty"` // WebSocket event stream, mounted on the HTTP gateway.
	MCP    *MCPGatewayConfig    `json:"mcp,omitempty" yaml:"mcp,omitempty"`       // MCP tool server over SSE, mounted on the HTTP gateway.
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080".
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	CORSOrigins         []string        `json:"cors_origins" yaml:"cors_origins"`                     // Override: CORS_ORIGINS (comma separated).
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxBodyBytes returns the request body limit with a default of 1 MiB.
func (h *HTTPGatewayConfig) MaxBodyBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// AllowedOrigins returns the CORS allow-list with a default of the local dev UI.
func (h *HTTPGatewayConfig) AllowedOrigins() []string {
	if h != nil && len(h.CORSOrigins) > 0 {
		return h.CORSOrigins
	}
	return []string{"http://localhost:5173"}
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// EventsGatewayConfig configures the WebSocket event stream.
type EventsGatewayConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled"`
	Path                     string `json:"path" yaml:"path"`                                             // Default: "/api/v1/workflows/events".
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
	BufferSize               int    `json:"buffer_size" yaml:"buffer_size"`                               // Per-subscriber queue. Default: 64.
}

// WSPath returns the WebSocket path with a default of "/api/v1/workflows/events".
func (e *EventsGatewayConfig) WSPath() string {
	if e != nil && e.Path != "" {
		return e.Path
	}
	return "/api/v1/workflows/events"
}

// WSHeartbeatInterval returns the heartbeat interval with a default of 30s.
func (e *EventsGatewayConfig) WSHeartbeatInterval() time.Duration {
	if e != nil && e.HeartbeatIntervalSeconds > 0 {
		return time.Duration(e.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// Buffer returns the per-subscriber queue size with a default of 64.
func (e *EventsGatewayConfig) Buffer() int {
	if e != nil && e.BufferSize > 0 {
		return e.BufferSize
	}
	return 64
}

// MCPGatewayConfig configures the MCP tool server.
type MCPGatewayConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BasePath string `json:"base_path" yaml:"base_path"` // Default: "/mcp".
}

// Path returns the MCP mount point with a default of "/mcp".
func (m *MCPGatewayConfig) Path() string {
	if m != nil && m.BasePath != "" {
		return m.BasePath
	}
	return "/mcp"
}

// SchedulerConfig configures the background janitor.
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Schedule        string `json:"schedule" yaml:"schedule"`                   // Standard 5-field cron. Default: "*/5 * * * *".
	StaleAfterHours int    `json:"stale_after_hours" yaml:"stale_after_hours"` // Pending requests idle this long are reported. Default: 72.
}

// CronSchedule returns the cron expression with a default of every five minutes.
func (s *SchedulerConfig) CronSchedule() string {
	if s != nil && s.Schedule != "" {
		return s.Schedule
	}
	return "*/5 * * * *"
}

// StaleAfter returns the staleness threshold with a default of 72h.
func (s *SchedulerConfig) StaleAfter() time.Duration {
	if s != nil && s.StaleAfterHours > 0 {
		return time.Duration(s.StaleAfterHours) * time.Hour
	}
	return 72 * time.Hour
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "grcflow"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection on transitions.
type AnomalyConfig struct {
	Enabled               bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold    float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`       // e.g. 0.5 = 50% failed transitions
	ConflictRateThreshold float64 `json:"conflict_rate_threshold" yaml:"conflict_rate_threshold"` // e.g. 0.2 = 20% exhausted retries
	WindowSeconds         int     `json:"window_seconds" yaml:"window_seconds"`                   // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.grcflow/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/grcflow.yaml"
	}
	return filepath.Join(home, ".grcflow", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config usable without a file: demo mode, SQLite under
// the data directory, HTTP gateway on :8080. Environment overrides apply.
func Default() (*Config, error) {
	cfg := Config{
		Security: SecurityConfig{DemoMode: true},
		Gateways: GatewaysConfig{
			HTTP:   &HTTPGatewayConfig{Enabled: true, EnableDocs: true},
			Events: &EventsGatewayConfig{Enabled: true},
		},
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("GRCFLOW_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GRCFLOW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	if v := os.Getenv("GRCFLOW_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}

	if v := os.Getenv("DEMO_MODE"); v != "" {
		c.Security.DemoMode = parseBool(v)
	}
	// JWT_SECRET wins over the Supabase-style alias.
	if v := os.Getenv("SUPABASE_JWT_SECRET"); v != "" {
		c.Security.JWTSecret = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Security.JWTSecret = v
	}
	if v := os.Getenv("DEFAULT_ROLE"); v != "" {
		c.Security.DefaultRole = v
	}
	if v := os.Getenv("GRCFLOW_API_KEYS"); v != "" {
		keys, err := parseAPIKeys(v)
		if err != nil {
			return err
		}
		if c.Security.APIKeys == nil {
			c.Security.APIKeys = make(map[string]APIKeyConfig, len(keys))
		}
		for k, id := range keys {
			c.Security.APIKeys[k] = id
		}
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		c.Gateways.HTTP.CORSOrigins = splitList(v)
	}

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".grcflow", "data")
		}
	}
	return nil
}

// parseAPIKeys reads "key:user:role" triples separated by commas.
func parseAPIKeys(v string) (map[string]APIKeyConfig, error) {
	out := make(map[string]APIKeyConfig)
	for _, entry := range splitList(v) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("GRCFLOW_API_KEYS entry %q must be key:user:role", entry)
		}
		out[parts[0]] = APIKeyConfig{UserID: parts[1], Role: parts[2]}
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".grcflow", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "grcflow.db")
}

// AuditLogPath returns the audit log path, defaulting to the data directory.
func (c *Config) AuditLogPath() string {
	if c.Security.AuditLogPath != "" {
		if p, err := resolvePath(c.Security.AuditLogPath); err == nil {
			return p
		}
		return c.Security.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// DefaultRoleOrder returns the configured seed order, or ["L1"].
func (c *Config) DefaultRoleOrder() []string {
	if len(c.Workflow.DefaultRoleOrder) > 0 {
		return append([]string(nil), c.Workflow.DefaultRoleOrder...)
	}
	return []string{"L1"}
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}

	if order := c.Workflow.DefaultRoleOrder; len(order) > 0 {
		seen := make(map[string]bool, len(order))
		for i, role := range order {
			if strings.TrimSpace(role) == "" {
				return fmt.Errorf("workflow.default_role_order[%d] is blank", i)
			}
			if seen[role] {
				return fmt.Errorf("workflow.default_role_order: duplicate role %q", role)
			}
			seen[role] = true
		}
	}
	if c.Workflow.MaxCASAttempts < 0 {
		return fmt.Errorf("workflow.max_cas_attempts must not be negative")
	}
	if c.Workflow.RetryBackoffMaxMS < 0 || c.Workflow.OperationTimeoutMS < 0 {
		return fmt.Errorf("workflow timings must not be negative")
	}

	if !c.Security.DemoMode && c.Security.JWTSecret == "" && len(c.Security.APIKeys) == 0 {
		return fmt.Errorf("security: demo_mode is off but neither jwt_secret nor api_keys are set")
	}
	for key, id := range c.Security.APIKeys {
		if id.UserID == "" {
			return fmt.Errorf("security.api_keys: key %q has no user_id", redact(key))
		}
	}

	if c.Scheduler != nil && c.Scheduler.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Scheduler.CronSchedule()); err != nil {
			return fmt.Errorf("scheduler.schedule %q: %w", c.Scheduler.Schedule, err)
		}
	}

	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}

func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
