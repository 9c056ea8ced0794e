package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/grcflow/internal/ratelimit"
	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/storage"
	"github.com/jkaninda/grcflow/internal/workflow"
)

type testEnv struct {
	base    string
	store   *storage.MemoryStore
	service *workflow.Service
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// startGateway runs a real gateway over in-memory stores. requests, when
// non-nil, replaces the request store.
func startGateway(t *testing.T, cfg Config, requests workflow.RequestStore, rl *ratelimit.Limiter) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	if requests == nil {
		requests = store.Requests()
	}
	svc := workflow.NewService(store.Configs(), requests, workflow.Options{
		DefaultRoleOrder: []string{"L1", "L2", "L3"},
	}, logger)
	if _, err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	auth := security.NewAuthenticator(security.AuthConfig{
		DemoMode: true,
		APIKeys:  map[string]security.APIKey{"ci-key": {UserID: "ci", Role: security.RoleRiskManager}},
	}, logger)
	rbac := security.NewRBAC(security.RBACConfig{}, logger)
	recorder := security.NewRecorder(nil, store.Audit(), logger)

	cfg.ListenAddr = freeAddr(t)
	cfg.DemoMode = true
	gw := NewGateway(cfg, svc, auth, rbac, rl, logger).WithAudit(recorder)
	svc.WithSink(recorder)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = gw.Start(ctx) }()
	t.Cleanup(func() {
		_ = gw.Stop(context.Background())
		cancel()
	})

	base := "http://" + cfg.ListenAddr
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return &testEnv{base: base, store: store, service: svc}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.base+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestBannerAndHealthEndpoints(t *testing.T) {
	env := startGateway(t, Config{}, nil, nil)

	status, body := env.do(t, http.MethodGet, "/", "", nil)
	if status != http.StatusOK || body["message"] != "GRC Platform API" || body["demo_mode"] != true {
		t.Fatalf("unexpected banner: %d %v", status, body)
	}
	if status, _ := env.do(t, http.MethodGet, "/readyz", "", nil); status != http.StatusOK {
		t.Errorf("expected readyz 200, got %d", status)
	}
}

func TestAuthRequired(t *testing.T) {
	env := startGateway(t, Config{}, nil, nil)

	if status, _ := env.do(t, http.MethodGet, "/api/v1/workflows/config", "", nil); status != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/api/v1/workflows/config", "demo-nobody", nil); status != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown demo role, got %d", status)
	}
	if status, body := env.do(t, http.MethodGet, "/api/v1/workflows/config", "ci-key", nil); status != http.StatusOK {
		t.Errorf("expected api key to authenticate, got %d %v", status, body)
	}
}

func TestConfigSaveRequiresAdmin(t *testing.T) {
	env := startGateway(t, Config{}, nil, nil)
	body := SaveConfigRequest{RoleOrder: []string{"A", "B"}}

	status, resp := env.do(t, http.MethodPost, "/api/v1/workflows/config", "demo-risk_manager", body)
	if status != http.StatusForbidden || resp["code"] != CodeForbidden {
		t.Fatalf("expected 403, got %d %v", status, resp)
	}

	status, resp = env.do(t, http.MethodPost, "/api/v1/workflows/config", "demo-admin", body)
	if status != http.StatusOK || resp["version"] != float64(2) {
		t.Fatalf("expected saved config at version 2, got %d %v", status, resp)
	}

	// A stale expected_version is a conflict.
	body.ExpectedVersion = 1
	status, resp = env.do(t, http.MethodPost, "/api/v1/workflows/config", "demo-admin", body)
	if status != http.StatusConflict || resp["code"] != workflow.CodeConflict {
		t.Fatalf("expected 409 CONFLICT, got %d %v", status, resp)
	}

	status, resp = env.do(t, http.MethodPost, "/api/v1/workflows/config", "demo-admin", SaveConfigRequest{RoleOrder: []string{"A", "A"}})
	if status != http.StatusBadRequest || resp["code"] != workflow.CodeInvalidConfig {
		t.Fatalf("expected 400 INVALID_CONFIG, got %d %v", status, resp)
	}
}

func TestRequestLifecycle(t *testing.T) {
	env := startGateway(t, Config{}, nil, nil)
	token := "demo-compliance_officer"

	status, resp := env.do(t, http.MethodPost, "/api/v1/workflows/requests", token, CreateRequest{RequestID: "REQ-1", Title: "Vendor risk"})
	if status != http.StatusCreated || resp["stage"] != "L1" || resp["status"] != "pending" {
		t.Fatalf("unexpected create: %d %v", status, resp)
	}

	status, resp = env.do(t, http.MethodPost, "/api/v1/workflows/requests", token, CreateRequest{RequestID: "REQ-1", Title: "again"})
	if status != http.StatusConflict || resp["code"] != workflow.CodeDuplicateRequest {
		t.Fatalf("expected 409 DUPLICATE_REQUEST, got %d %v", status, resp)
	}

	status, resp = env.do(t, http.MethodPost, "/api/v1/workflows/transition", token, TransitionRequest{RequestID: "REQ-1", Action: "approve", ActingRole: "L2"})
	if status != http.StatusForbidden || resp["code"] != workflow.CodeRoleMismatch {
		t.Fatalf("expected 403 ROLE_MISMATCH, got %d %v", status, resp)
	}

	for _, role := range []string{"L1", "L2", "L3"} {
		status, resp = env.do(t, http.MethodPost, "/api/v1/workflows/transition", token, TransitionRequest{RequestID: "REQ-1", Action: "approve", ActingRole: role})
		if status != http.StatusOK {
			t.Fatalf("approve as %s: %d %v", role, status, resp)
		}
	}
	if resp["status"] != "approved" || resp["stage"] != "" {
		t.Fatalf("expected approved with no stage, got %v", resp)
	}

	status, resp = env.do(t, http.MethodPost, "/api/v1/workflows/transition", token, TransitionRequest{RequestID: "REQ-1", Action: "reject", ActingRole: "L3"})
	if status != http.StatusConflict || resp["code"] != workflow.CodeAlreadyTerminal {
		t.Fatalf("expected 409 ALREADY_TERMINAL, got %d %v", status, resp)
	}

	status, resp = env.do(t, http.MethodGet, "/api/v1/workflows/requests/REQ-1/history", "demo-viewer", nil)
	if status != http.StatusOK {
		t.Fatalf("history: %d %v", status, resp)
	}
	if history, _ := resp["history"].([]any); len(history) != 3 {
		t.Errorf("expected 3 history entries, got %v", resp["history"])
	}
}

func TestTransitionErrors(t *testing.T) {
	env := startGateway(t, Config{}, nil, nil)
	token := "demo-admin"
	env.do(t, http.MethodPost, "/api/v1/workflows/requests", token, CreateRequest{RequestID: "REQ-2", Title: "t"})

	tests := []struct {
		name   string
		body   TransitionRequest
		status int
		code   string
	}{
		{"unknown action", TransitionRequest{RequestID: "REQ-2", Action: "escalate", ActingRole: "L1"}, http.StatusBadRequest, workflow.CodeUnknownAction},
		{"missing request", TransitionRequest{RequestID: "NOPE", Action: "approve", ActingRole: "L1"}, http.StatusNotFound, workflow.CodeNotFound},
		{"missing id", TransitionRequest{Action: "approve"}, http.StatusBadRequest, workflow.CodeInvalidRequest},
		// acting_role defaults to the platform role, which owns no stage.
		{"default acting role", TransitionRequest{RequestID: "REQ-2", Action: "approve"}, http.StatusForbidden, workflow.CodeRoleMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, http.MethodPost, "/api/v1/workflows/transition", token, tt.body)
			if status != tt.status || resp["code"] != tt.code {
				t.Errorf("expected %d %s, got %d %v", tt.status, tt.code, status, resp)
			}
		})
	}
}

func TestViewerCannotWrite(t *testing.T) {
	env := startGateway(t, Config{}, nil, nil)
	status, _ := env.do(t, http.MethodPost, "/api/v1/workflows/requests", "demo-viewer", CreateRequest{RequestID: "REQ-V", Title: "t"})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer create, got %d", status)
	}
	status, _ = env.do(t, http.MethodGet, "/api/v1/audit", "demo-viewer", nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer audit read, got %d", status)
	}
}

func TestListRequests(t *testing.T) {
	env := startGateway(t, Config{}, nil, nil)
	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "/api/v1/workflows/requests", "demo-admin", CreateRequest{RequestID: fmt.Sprintf("REQ-%d", i), Title: "t"})
	}
	env.do(t, http.MethodPost, "/api/v1/workflows/transition", "demo-admin", TransitionRequest{RequestID: "REQ-0", Action: "reject", ActingRole: "L1"})

	status, resp := env.do(t, http.MethodGet, "/api/v1/workflows/requests?status=pending&limit=10", "demo-viewer", nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d %v", status, resp)
	}
	if reqs, _ := resp["requests"].([]any); len(reqs) != 2 {
		t.Errorf("expected 2 pending requests, got %v", resp["requests"])
	}

	status, resp = env.do(t, http.MethodGet, "/api/v1/workflows/requests?status=bogus", "demo-viewer", nil)
	if status != http.StatusBadRequest || resp["code"] != workflow.CodeInvalidRequest {
		t.Errorf("expected 400 for unknown status, got %d %v", status, resp)
	}
	status, _ = env.do(t, http.MethodGet, "/api/v1/workflows/requests?limit=ten", "demo-viewer", nil)
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric limit, got %d", status)
	}
}

func TestAuditEndpoint(t *testing.T) {
	env := startGateway(t, Config{}, nil, nil)
	env.do(t, http.MethodPost, "/api/v1/workflows/requests", "demo-admin", CreateRequest{RequestID: "REQ-A", Title: "t"})

	status, resp := env.do(t, http.MethodGet, "/api/v1/audit?request_id=REQ-A", "demo-auditor", nil)
	if status != http.StatusOK {
		t.Fatalf("audit: %d %v", status, resp)
	}
	events, _ := resp["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %v", resp["events"])
	}
	if ev := events[0].(map[string]any); ev["action"] != string(workflow.EventRequestCreated) {
		t.Errorf("unexpected audit event: %v", ev)
	}
}

func TestRateLimit(t *testing.T) {
	env := startGateway(t, Config{}, nil, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 2}))
	for i := 0; i < 2; i++ {
		if status, _ := env.do(t, http.MethodGet, "/api/v1/workflows/config", "demo-viewer", nil); status != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, status)
		}
	}
	if status, _ := env.do(t, http.MethodGet, "/api/v1/workflows/config", "demo-viewer", nil); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
}

// blockingStore never answers Get before the context ends.
type blockingStore struct {
	workflow.RequestStore
}

func (blockingStore) Get(ctx context.Context, _ string) (*workflow.ApprovalRequest, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutMapsTo504(t *testing.T) {
	env := startGateway(t, Config{OperationTimeout: 50 * time.Millisecond}, blockingStore{workflow.NewInMemoryRequestStore()}, nil)
	status, resp := env.do(t, http.MethodPost, "/api/v1/workflows/transition", "demo-admin", TransitionRequest{RequestID: "REQ-T", Action: "approve", ActingRole: "L1"})
	if status != http.StatusGatewayTimeout || resp["code"] != workflow.CodeTimeout {
		t.Fatalf("expected 504 TIMEOUT, got %d %v", status, resp)
	}
}

// brokenStore fails every read with an infrastructure error.
type brokenStore struct {
	workflow.RequestStore
}

func (brokenStore) Get(context.Context, string) (*workflow.ApprovalRequest, error) {
	return nil, errors.New("disk on fire at /var/lib/grcflow")
}

func TestInternalErrorIsNotLeaked(t *testing.T) {
	env := startGateway(t, Config{}, brokenStore{workflow.NewInMemoryRequestStore()}, nil)
	status, resp := env.do(t, http.MethodGet, "/api/v1/workflows/requests/REQ-X", "demo-admin", nil)
	if status != http.StatusInternalServerError || resp["code"] != workflow.CodeInternal {
		t.Fatalf("expected 500 INTERNAL, got %d %v", status, resp)
	}
	if resp["error"] != "internal error" {
		t.Errorf("internal detail leaked: %v", resp["error"])
	}
}

func TestCORSPreflight(t *testing.T) {
	env := startGateway(t, Config{CORSOrigins: []string{"http://localhost:5173"}}, nil, nil)

	preflight := func(origin, path string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodOptions, env.base+path, nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	for _, path := range []string{"/api/v1/workflows/config", "/api/v1/workflows/transition", "/api/v1/workflows/requests"} {
		resp := preflight("http://localhost:5173", path)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("%s: expected 204 preflight, got %d", path, resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
			t.Errorf("%s: unexpected allow-origin %q", path, got)
		}
		if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
			t.Errorf("%s: expected Authorization in allowed headers, got %q", path, got)
		}
	}

	if resp := preflight("http://evil.example", "/api/v1/workflows/transition"); resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("unexpected allow-origin for unknown origin: %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}

	// The actual cross-origin request carries the allow-origin header too.
	req, _ := http.NewRequest(http.MethodGet, env.base+"/api/v1/workflows/config", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Authorization", "Bearer demo-admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("unexpected allow-origin on GET %q", got)
	}
}

func TestCORSAnyOrigin(t *testing.T) {
	env := startGateway(t, Config{CORSOrigins: []string{"*"}}, nil, nil)

	req, _ := http.NewRequest(http.MethodOptions, env.base+"/api/v1/workflows/transition", nil)
	req.Header.Set("Origin", "https://grc.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://grc.example.com" {
		t.Errorf("unexpected allow-origin %q", got)
	}
}

func TestCORSConfig(t *testing.T) {
	if corsConfig(nil) != nil {
		t.Error("expected CORS to be disabled without origins")
	}
	c := corsConfig([]string{"http://localhost:5173"})
	if c == nil || !c.AllowCredentials || c.MaxAge != 600 {
		t.Fatalf("unexpected cors config: %+v", c)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		workflow.CodeInvalidConfig:    http.StatusBadRequest,
		workflow.CodeInvalidRequest:   http.StatusBadRequest,
		workflow.CodeUnknownAction:    http.StatusBadRequest,
		workflow.CodeDuplicateRequest: http.StatusConflict,
		workflow.CodeNotFound:         http.StatusNotFound,
		workflow.CodeAlreadyTerminal:  http.StatusConflict,
		workflow.CodeRoleMismatch:     http.StatusForbidden,
		workflow.CodeConflict:         http.StatusConflict,
		workflow.CodeTimeout:          http.StatusGatewayTimeout,
		workflow.CodeInternal:         http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := statusFor(code); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
