package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/grcflow/internal/config"
	"github.com/jkaninda/grcflow/internal/gateway"
	"github.com/jkaninda/grcflow/internal/gateway/httpapi"
	mcpgw "github.com/jkaninda/grcflow/internal/gateway/mcp"
	"github.com/jkaninda/grcflow/internal/gateway/ws"
	"github.com/jkaninda/grcflow/internal/scheduler"
	"github.com/jkaninda/grcflow/internal/workflow"
	goutils "github.com/jkaninda/go-utils"
)

const shutdownTimeout = 10 * time.Second

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server (HTTP, event stream, MCP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `grcflow --config path` and `grcflow serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// loadConfig reads the config file. When no path was given explicitly and
// the default file does not exist, the built-in demo config is used.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	explicit := cmd.Flags().Changed("config") || os.Getenv("GRCFLOW_CONFIG") != ""
	path := goutils.Env("GRCFLOW_CONFIG", serveConfigPath)
	if path == "" {
		// GRCFLOW_CONFIG set but empty counts as unset.
		path = serveConfigPath
	}
	if path == "" {
		return nil, "", errors.New("config path is empty")
	}

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, "", err
	}
	cfg, err = config.Default()
	if err != nil {
		return nil, "", err
	}
	return cfg, "built-in defaults", nil
}

// runServe starts the workflow service and every enabled surface.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, source, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	if cfg.Gateways.HTTP == nil || !cfg.Gateways.HTTP.Enabled {
		return fmt.Errorf("no gateways enabled in config: gateways.http must be enabled")
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting grcflow",
		slog.String("version", version),
		slog.String("config", source),
		slog.Bool("demo_mode", cfg.Security.DemoMode),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	metrics := sc.Obs.MetricsOrNil()
	var registry *prometheus.Registry
	if metrics != nil {
		registry = metrics.Registry
	}
	var tracer trace.Tracer
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}

	svc := workflow.NewService(sc.Configs, sc.Requests, workflow.Options{
		DefaultRoleOrder: cfg.DefaultRoleOrder(),
		MaxAttempts:      cfg.Workflow.MaxCASAttempts,
		BackoffMax:       cfg.Workflow.RetryBackoffMax(),
	}, logger).
		WithMetrics(workflow.NewMetrics(registry)).
		WithTracer(tracer).
		WithSink(sc.Recorder)

	// WebSocket event stream (optional).
	var wsServer *ws.Server
	if cfg.Gateways.Events != nil && cfg.Gateways.Events.Enabled {
		wsServer = ws.NewServer(cfg.Gateways.Events, sc.Auth, sc.RBAC, logger).WithMetrics(metrics)
		svc.WithSink(wsServer)
		defer wsServer.Close()
		logger.Debug("event stream initialized", slog.String("path", wsServer.Path()))
	}

	seeded, err := svc.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping workflow config: %w", err)
	}
	logger.Info("workflow config loaded",
		slog.Int64("version", seeded.Version),
		slog.Any("role_order", seeded.RoleOrder),
	)

	httpGW := buildHTTPGateway(cfg, sc, svc, registry, tracer)
	if wsServer != nil {
		httpGW.WithHandler(wsServer.Path(), wsServer.Handler())
	}

	// MCP tool server (optional), mounted on the HTTP gateway.
	if cfg.Gateways.MCP != nil && cfg.Gateways.MCP.Enabled {
		mcpServer := mcpgw.NewServer(cfg.Gateways.MCP, svc, sc.Auth, sc.RBAC, version, logger).
			WithAudit(sc.Recorder).
			WithMetrics(metrics).
			WithTimeout(cfg.Workflow.OperationTimeout())
		h := mcpServer.Handler()
		httpGW.WithHandler(mcpServer.SSEPath(), h)
		httpGW.WithRoute(http.MethodPost, mcpServer.MessagePath(), h)
		logger.Debug("mcp server initialized", slog.String("sse", mcpServer.SSEPath()))
	}

	// Janitor (optional).
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		janitor := scheduler.New(svc, sc.Limiter, scheduler.NewMetrics(registry), logger, cfg.Scheduler).
			WithCollector(metrics)
		cancelJanitor, err := janitor.Start(ctx)
		if err != nil {
			return err
		}
		defer cancelJanitor()
	}

	gateways := []gateway.Gateway{httpGW}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

func buildHTTPGateway(cfg *config.Config, sc *SharedComponents, svc *workflow.Service, registry *prometheus.Registry, tracer trace.Tracer) *httpapi.Gateway {
	httpCfg := cfg.Gateways.HTTP
	gwCfg := httpapi.Config{
		ListenAddr:       httpCfg.Addr(),
		EnableDocs:       httpCfg.EnableDocs,
		DemoMode:         cfg.Security.DemoMode,
		MaxRequestSize:   httpCfg.MaxBodyBytes(),
		CORSOrigins:      httpCfg.AllowedOrigins(),
		OperationTimeout: cfg.Workflow.OperationTimeout(),
		MetricsRegistry:  registry,
		HealthChecker:    sc.Health,
		Metrics:          sc.Obs.MetricsOrNil(),
		Tracer:           tracer,
	}
	if o := cfg.Observability; o != nil && o.Metrics != nil {
		gwCfg.MetricsPath = o.Metrics.MetricsPath()
	}

	gw := httpapi.NewGateway(gwCfg, svc, sc.Auth, sc.RBAC, sc.Limiter, sc.Logger).WithAudit(sc.Recorder)
	sc.Logger.Debug("http gateway configured",
		slog.String("addr", gwCfg.ListenAddr),
		slog.Int("rate_limit_rpm", httpCfg.RateLimit.RequestsPerMinute),
	)
	return gw
}
