// Package httpapi implements the HTTP API gateway for grcflow.
//
// Security:
//   - Bearer authentication on every /api/v1 route (demo token, API key or JWT)
//   - Default-deny platform RBAC per operation
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/grcflow/internal/observability"
	"github.com/jkaninda/grcflow/internal/ratelimit"
	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
	"github.com/jkaninda/okapi"
)

const (
	defaultMaxRequestSize   = 1 << 20 // 1 MB
	defaultOperationTimeout = 2 * time.Second

	correlationHeader = "X-Correlation-ID"
)

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr       string // e.g., ":8080"
	EnableDocs       bool
	DemoMode         bool          // Reported by the service banner.
	MaxRequestSize   int64         // Maximum request body in bytes. 0 = 1 MB default.
	CORSOrigins      []string      // Allowed browser origins. "*" allows any.
	OperationTimeout time.Duration // Deadline for each workflow call. 0 = 2s default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	service  *workflow.Service
	auth     *security.Authenticator
	rbac     *security.RBAC
	recorder *security.Recorder // nil = audit endpoint disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (event stream, MCP).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
	cors  *okapi.Cors // nil = no browser origins allowed.
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	method  string
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc *workflow.Service, auth *security.Authenticator, rbac *security.RBAC, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	opts := []okapi.OptionFunc{okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)}
	cors := corsConfig(cfg.CORSOrigins)
	if cors != nil {
		// Registers an OPTIONS handler next to every route.
		opts = append(opts, okapi.WithCors(*cors))
	}
	return &Gateway{
		config:  cfg,
		service: svc,
		auth:    auth,
		rbac:    rbac,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(opts...),
		cors:    cors,
	}
}

// corsConfig returns the okapi CORS settings for the allowed browser origins,
// or nil when none are configured.
func corsConfig(origins []string) *okapi.Cors {
	if len(origins) == 0 {
		return nil
	}
	return &okapi.Cors{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedHeaders:   []string{"Authorization", "Content-Type", correlationHeader},
		ExposeHeaders:    []string{correlationHeader},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		MaxAge:           600,
	}
}

// WithAudit enables GET /api/v1/audit and denial auditing.
func (g *Gateway) WithAudit(r *security.Recorder) *Gateway {
	g.recorder = r
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "grcflow",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler on the HTTP mux at the given
// pattern. Used for the WebSocket event stream.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	return g.WithRoute(http.MethodGet, pattern, handler)
}

// WithRoute mounts handler for method and pattern.
func (g *Gateway) WithRoute(method, pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{method: method, pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.cors != nil {
		g.okapi.Use(g.cors.CORSHandler)
	}
	g.okapi.UseMiddleware(g.transport)

	g.registerRoutes()

	// Extra handlers (event stream, MCP transport).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd(er.method, er.pattern, er.handler.ServeHTTP)
	}

	// Unauthenticated endpoints.
	g.okapi.Get("/", g.handleBanner,
		okapi.DocSummary("Service banner"),
		okapi.DocTags("Health"),
		okapi.DocResponse(BannerResponse{}),
	)
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// transport wraps every route with metrics and tracing, correlation IDs and
// the body size limit.
func (g *Gateway) transport(next http.Handler) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(correlationHeader) == "" {
			r.Header.Set(correlationHeader, newCorrelationID())
		}
		w.Header().Set(correlationHeader, r.Header.Get(correlationHeader))
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
	if g.config.Metrics == nil && g.config.Tracer == nil {
		return h
	}
	return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, h)
}

// --- Authentication ---

// authenticate resolves the bearer token to a principal, applies the
// per-user rate limit and stores the caller on the okapi context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		ctx := security.WithCorrelationID(c.Context(), c.Header(correlationHeader))

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			g.config.Metrics.RecordSecurityCheck("auth", security.ErrUnauthenticated)
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		principal, err := g.auth.Authenticate(strings.TrimPrefix(authHeader, "Bearer "))
		g.config.Metrics.RecordSecurityCheck("auth", err)
		if err != nil {
			g.logger.WarnContext(ctx, "authentication failed",
				slog.String("correlation_id", security.CorrelationID(ctx)),
				slog.String("path", c.Request().URL.Path),
				slog.String("error", err.Error()),
			)
			if g.recorder != nil {
				g.recorder.RecordDenied(ctx, nil, "auth", err)
			}
			return c.AbortUnauthorized("invalid credentials")
		}
		principal.Role = g.rbac.ResolveRole(principal)

		if err := g.limiter.Allow(principal.UserID); err != nil {
			g.config.Metrics.RecordSecurityCheck("rate_limit", err)
			return c.AbortTooManyRequests("rate limit exceeded")
		}

		c.Set("userID", principal.UserID)
		c.Set("role", principal.Role)
		c.Set("authMethod", principal.Method)
		return next(c)
	}
}

// principal rebuilds the authenticated caller from the okapi context.
func principal(c *okapi.Context) *security.Principal {
	return &security.Principal{
		UserID: c.GetString("userID"),
		Role:   c.GetString("role"),
		Method: c.GetString("authMethod"),
	}
}

// callContext derives the context for one workflow call: the caller, the
// correlation ID and the operation deadline.
func (g *Gateway) callContext(c *okapi.Context) (context.Context, context.CancelFunc) {
	ctx := security.WithCorrelationID(c.Context(), c.Header(correlationHeader))
	ctx = security.WithPrincipal(ctx, principal(c))
	return context.WithTimeout(ctx, g.config.OperationTimeout)
}

// authorize checks perm for the caller. A denial is audited and answered
// with 403; the returned bool reports whether the caller may proceed.
func (g *Gateway) authorize(ctx context.Context, c *okapi.Context, perm string) (bool, error) {
	p := security.PrincipalFrom(ctx)
	err := g.rbac.Authorize(ctx, p, perm)
	g.config.Metrics.RecordSecurityCheck("rbac", err)
	if err == nil {
		return true, nil
	}
	if g.recorder != nil {
		g.recorder.RecordDenied(ctx, p, perm, err)
	}
	return false, c.JSON(http.StatusForbidden, ErrorBody{Error: "permission denied", Code: CodeForbidden})
}

// --- Health ---

// BannerResponse is the JSON response for GET /.
type BannerResponse struct {
	Message  string `json:"message"`
	DemoMode bool   `json:"demo_mode"`
}

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleBanner(c *okapi.Context) error {
	return c.OK(BannerResponse{Message: "GRC Platform API", DemoMode: g.config.DemoMode})
}

// handleLiveness is the Kubernetes liveness check
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
