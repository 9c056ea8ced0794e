package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/grcflow/internal/config"
	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := workflow.NewService(workflow.NewInMemoryConfigStore(), workflow.NewInMemoryRequestStore(), workflow.Options{
		DefaultRoleOrder: []string{"L1", "L2"},
	}, logger)
	auth := security.NewAuthenticator(security.AuthConfig{DemoMode: true}, logger)
	rbac := security.NewRBAC(security.RBACConfig{}, logger)
	return NewServer(&config.MCPGatewayConfig{Enabled: true}, svc, auth, rbac, "test", logger)
}

func newClient(t *testing.T, s *Server) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewInProcessClient(s.MCPServer())
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("starting client: %v", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "grcflow-test", Version: "test"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func as(role string) context.Context {
	return security.WithPrincipal(context.Background(), &security.Principal{UserID: "agent-" + role, Role: role, Method: "demo"})
}

func call(t *testing.T, c *mcpclient.Client, ctx context.Context, tool string, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		t.Fatalf("call %s: %v", tool, err)
	}
	var text []string
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text = append(text, tc.Text)
		}
	}
	return strings.Join(text, "\n"), res.IsError
}

func TestListTools(t *testing.T) {
	c := newClient(t, newTestServer(t))
	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	want := map[string]bool{
		"get_workflow_config":         true,
		"save_workflow_config":        true,
		"create_approval_request":     true,
		"get_approval_request":        true,
		"transition_approval_request": true,
	}
	if len(res.Tools) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(res.Tools))
	}
	for _, tool := range res.Tools {
		if !want[tool.Name] {
			t.Errorf("unexpected tool %s", tool.Name)
		}
	}
}

func TestToolLifecycle(t *testing.T) {
	c := newClient(t, newTestServer(t))
	ctx := as(security.RoleRiskManager)

	out, isErr := call(t, c, ctx, "create_approval_request", map[string]any{"request_id": "REQ-1", "title": "Access review"})
	if isErr {
		t.Fatalf("create failed: %s", out)
	}
	var view workflow.View
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decoding view: %v", err)
	}
	if view.Stage != "L1" || view.Status != workflow.StatusPending {
		t.Fatalf("unexpected view: %+v", view)
	}

	out, isErr = call(t, c, ctx, "transition_approval_request", map[string]any{"request_id": "REQ-1", "action": "approve", "acting_role": "L2"})
	if !isErr || !strings.HasPrefix(out, workflow.CodeRoleMismatch) {
		t.Fatalf("expected ROLE_MISMATCH, got %v %s", isErr, out)
	}

	for _, role := range []string{"L1", "L2"} {
		if out, isErr = call(t, c, ctx, "transition_approval_request", map[string]any{"request_id": "REQ-1", "action": "approve", "acting_role": role}); isErr {
			t.Fatalf("approve as %s: %s", role, out)
		}
	}

	out, isErr = call(t, c, ctx, "get_approval_request", map[string]any{"request_id": "REQ-1"})
	if isErr {
		t.Fatalf("get failed: %s", out)
	}
	view = workflow.View{}
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != workflow.StatusApproved || len(view.History) != 2 {
		t.Errorf("unexpected final state: %+v", view)
	}

	out, isErr = call(t, c, ctx, "create_approval_request", map[string]any{"request_id": "REQ-1", "title": "dup"})
	if !isErr || !strings.HasPrefix(out, workflow.CodeDuplicateRequest) {
		t.Errorf("expected DUPLICATE_REQUEST, got %v %s", isErr, out)
	}
}

func TestSaveConfigTool(t *testing.T) {
	c := newClient(t, newTestServer(t))

	out, isErr := call(t, c, as(security.RoleViewer), "save_workflow_config", map[string]any{"role_order": []any{"A"}})
	if !isErr || !strings.HasPrefix(out, "FORBIDDEN") {
		t.Fatalf("expected viewer to be refused, got %v %s", isErr, out)
	}

	admin := as(security.RoleAdmin)
	out, isErr = call(t, c, admin, "save_workflow_config", map[string]any{"role_order": []any{"A", "B", "C"}})
	if isErr {
		t.Fatalf("save failed: %s", out)
	}
	var cfg workflow.Config
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.RoleOrder) != 3 || cfg.Version != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	out, isErr = call(t, c, admin, "save_workflow_config", map[string]any{"role_order": []any{"A"}, "expected_version": 1})
	if !isErr || !strings.HasPrefix(out, workflow.CodeConflict) {
		t.Errorf("expected CONFLICT for stale version, got %v %s", isErr, out)
	}

	out, isErr = call(t, c, admin, "save_workflow_config", map[string]any{"role_order": []any{}})
	if !isErr || !strings.HasPrefix(out, workflow.CodeInvalidConfig) {
		t.Errorf("expected INVALID_CONFIG for empty order, got %v %s", isErr, out)
	}

	out, isErr = call(t, c, as(security.RoleAuditor), "get_workflow_config", nil)
	if isErr || !strings.Contains(out, `"A","B","C"`) {
		t.Errorf("unexpected config read: %v %s", isErr, out)
	}
}

func TestToolRequiresPrincipal(t *testing.T) {
	c := newClient(t, newTestServer(t))
	out, isErr := call(t, c, context.Background(), "get_workflow_config", nil)
	if !isErr || !strings.HasPrefix(out, "UNAUTHENTICATED") {
		t.Fatalf("expected unauthenticated error, got %v %s", isErr, out)
	}
}

func TestHandlerRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, s.SSEPath(), nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if s.SSEPath() != "/mcp/sse" || s.MessagePath() != "/mcp/message" {
		t.Errorf("unexpected paths %s %s", s.SSEPath(), s.MessagePath())
	}
}
