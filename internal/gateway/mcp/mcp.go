// Package mcp exposes the workflow operations as MCP (Model Context
// Protocol) tools for agent clients. Tool calls pass through the same
// authentication, RBAC and audit pipeline as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/grcflow/internal/config"
	"github.com/jkaninda/grcflow/internal/observability"
	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
)

const (
	serverName = "grcflow"

	defaultOperationTimeout = 2 * time.Second
)

// Server serves the workflow tools over MCP.
type Server struct {
	cfg      *config.MCPGatewayConfig
	service  *workflow.Service
	auth     *security.Authenticator
	rbac     *security.RBAC
	recorder *security.Recorder
	metrics  *observability.MetricsCollector
	timeout  time.Duration
	logger   *slog.Logger

	mcp *server.MCPServer
	sse *server.SSEServer
}

// NewServer creates the MCP server and registers every workflow tool.
func NewServer(cfg *config.MCPGatewayConfig, svc *workflow.Service, auth *security.Authenticator, rbac *security.RBAC, version string, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		service: svc,
		auth:    auth,
		rbac:    rbac,
		timeout: defaultOperationTimeout,
		logger:  logger,
		mcp:     server.NewMCPServer(serverName, version, server.WithToolCapabilities(true)),
	}
	s.registerTools()
	s.sse = server.NewSSEServer(s.mcp,
		server.WithStaticBasePath(cfg.Path()),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if p := security.PrincipalFrom(r.Context()); p != nil {
				ctx = security.WithPrincipal(ctx, p)
			}
			return security.WithCorrelationID(ctx, security.CorrelationID(r.Context()))
		}),
	)
	return s
}

// WithAudit records RBAC denials on tool calls.
func (s *Server) WithAudit(r *security.Recorder) *Server {
	s.recorder = r
	return s
}

// WithMetrics counts security checks on tool calls.
func (s *Server) WithMetrics(m *observability.MetricsCollector) *Server {
	s.metrics = m
	return s
}

// WithTimeout sets the deadline applied to each tool call.
func (s *Server) WithTimeout(d time.Duration) *Server {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// MCPServer returns the underlying server, for in-process clients.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// SSEPath and MessagePath are the two endpoints of the SSE transport.
func (s *Server) SSEPath() string     { return s.cfg.Path() + "/sse" }
func (s *Server) MessagePath() string { return s.cfg.Path() + "/message" }

// Handler returns the SSE transport behind bearer authentication.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.URL.Query().Get("token")
		}
		p, err := s.auth.Authenticate(token)
		s.metrics.RecordSecurityCheck("auth", err)
		if err != nil {
			s.logger.Warn("mcp authentication failed", slog.String("error", err.Error()))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		p.Role = s.rbac.ResolveRole(p)
		ctx := security.WithPrincipal(r.Context(), p)
		if id := r.Header.Get("X-Correlation-ID"); id != "" {
			ctx = security.WithCorrelationID(ctx, id)
		}
		s.sse.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("get_workflow_config",
		mcp.WithDescription("Return the current workflow stage order and its version."),
	), s.handleGetConfig)

	s.mcp.AddTool(mcp.NewTool("save_workflow_config",
		mcp.WithDescription("Replace the workflow stage order. Requires the admin platform role."),
		mcp.WithArray("role_order",
			mcp.Required(),
			mcp.Description("Ordered stage roles, e.g. [\"L1\", \"L2\"]"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithNumber("expected_version",
			mcp.Description("Fail with CONFLICT unless the stored config is at this version"),
		),
	), s.handleSaveConfig)

	s.mcp.AddTool(mcp.NewTool("create_approval_request",
		mcp.WithDescription("Create a pending approval request at the first stage."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Unique request identifier")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Human readable title")),
	), s.handleCreateRequest)

	s.mcp.AddTool(mcp.NewTool("get_approval_request",
		mcp.WithDescription("Return an approval request with its current stage and history."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Request identifier")),
	), s.handleGetRequest)

	s.mcp.AddTool(mcp.NewTool("transition_approval_request",
		mcp.WithDescription("Approve or reject the current stage of a request."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Request identifier")),
		mcp.WithString("action", mcp.Required(), mcp.Description("approve or reject")),
		mcp.WithString("acting_role", mcp.Description("Stage role acting; defaults to the caller's platform role")),
	), s.handleTransition)
}

// --- Tool handlers ---

func (s *Server) handleGetConfig(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel, denied := s.begin(ctx, security.PermConfigRead)
	defer cancel()
	if denied != nil {
		return denied, nil
	}
	cfg, err := s.service.GetConfig(ctx)
	if err != nil {
		return s.toolError(ctx, "get_workflow_config", err), nil
	}
	return jsonResult(cfg)
}

func (s *Server) handleSaveConfig(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel, denied := s.begin(ctx, security.PermConfigWrite)
	defer cancel()
	if denied != nil {
		return denied, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError(workflow.CodeInvalidRequest + ": invalid arguments type"), nil
	}
	raw, ok := args["role_order"].([]interface{})
	if !ok {
		return mcp.NewToolResultError(workflow.CodeInvalidConfig + ": role_order must be an array of strings"), nil
	}
	order := make([]string, 0, len(raw))
	for _, v := range raw {
		role, ok := v.(string)
		if !ok {
			return mcp.NewToolResultError(workflow.CodeInvalidConfig + ": role_order must be an array of strings"), nil
		}
		order = append(order, role)
	}
	expected, _ := args["expected_version"].(float64)

	cfg, err := s.service.SaveConfig(ctx, workflow.SaveConfigInput{
		RoleOrder:       order,
		ExpectedVersion: int64(expected),
		Actor:           security.PrincipalFrom(ctx).UserID,
	})
	if err != nil {
		return s.toolError(ctx, "save_workflow_config", err), nil
	}
	return jsonResult(cfg)
}

func (s *Server) handleCreateRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel, denied := s.begin(ctx, security.PermRequestCreate)
	defer cancel()
	if denied != nil {
		return denied, nil
	}
	args, _ := request.Params.Arguments.(map[string]interface{})
	id, _ := args["request_id"].(string)
	title, _ := args["title"].(string)

	req, err := s.service.CreateRequest(ctx, workflow.CreateInput{
		RequestID: id,
		Title:     title,
		Actor:     security.PrincipalFrom(ctx).UserID,
	})
	if err != nil {
		return s.toolError(ctx, "create_approval_request", err), nil
	}
	return s.viewResult(ctx, req)
}

func (s *Server) handleGetRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel, denied := s.begin(ctx, security.PermRequestRead)
	defer cancel()
	if denied != nil {
		return denied, nil
	}
	args, _ := request.Params.Arguments.(map[string]interface{})
	id, ok := args["request_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError(workflow.CodeInvalidRequest + ": missing required parameter: request_id"), nil
	}

	req, err := s.service.GetRequest(ctx, id)
	if err != nil {
		return s.toolError(ctx, "get_approval_request", err), nil
	}
	return s.viewResult(ctx, req)
}

func (s *Server) handleTransition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel, denied := s.begin(ctx, security.PermTransition)
	defer cancel()
	if denied != nil {
		return denied, nil
	}
	args, _ := request.Params.Arguments.(map[string]interface{})
	id, _ := args["request_id"].(string)
	action, _ := args["action"].(string)
	role, _ := args["acting_role"].(string)
	p := security.PrincipalFrom(ctx)
	if role == "" {
		role = p.Role
	}
	if id == "" {
		return mcp.NewToolResultError(workflow.CodeInvalidRequest + ": missing required parameter: request_id"), nil
	}

	req, err := s.service.Transition(ctx, workflow.TransitionRequest{
		RequestID:  id,
		Action:     action,
		ActingRole: role,
		Actor:      p.UserID,
	})
	if err != nil {
		return s.toolError(ctx, "transition_approval_request", err), nil
	}
	return s.viewResult(ctx, req)
}

// --- Helpers ---

// begin authorizes the caller and bounds the call. The SSE transport may
// run tools after the POST that carried them has returned, so the deadline
// is detached from the inbound request's cancellation.
func (s *Server) begin(ctx context.Context, perm string) (context.Context, context.CancelFunc, *mcp.CallToolResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	p := security.PrincipalFrom(ctx)
	if p == nil {
		s.metrics.RecordSecurityCheck("auth", security.ErrUnauthenticated)
		return ctx, cancel, mcp.NewToolResultError("UNAUTHENTICATED: no caller identity")
	}
	err := s.rbac.Authorize(ctx, p, perm)
	s.metrics.RecordSecurityCheck("rbac", err)
	if err != nil {
		if s.recorder != nil {
			s.recorder.RecordDenied(ctx, p, perm, err)
		}
		return ctx, cancel, mcp.NewToolResultError("FORBIDDEN: permission denied")
	}
	return ctx, cancel, nil
}

// toolError renders err as "<CODE>: <message>". Internal errors are logged
// and masked.
func (s *Server) toolError(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	code := workflow.Code(err)
	msg := err.Error()
	switch {
	case code == workflow.CodeInternal:
		s.logger.ErrorContext(ctx, "mcp tool failed",
			slog.String("tool", tool),
			slog.String("correlation_id", security.CorrelationID(ctx)),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	case errors.Is(err, context.DeadlineExceeded):
		msg = "operation timed out"
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", code, msg))
}

func (s *Server) viewResult(ctx context.Context, req *workflow.ApprovalRequest) (*mcp.CallToolResult, error) {
	view := workflow.View{ApprovalRequest: req}
	if cfg, err := s.service.GetConfig(ctx); err == nil {
		view = workflow.NewView(req, cfg)
	}
	return jsonResult(view)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
