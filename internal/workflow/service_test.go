package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, order ...string) (*Service, *InMemoryRequestStore) {
	t.Helper()
	requests := NewInMemoryRequestStore()
	svc := NewService(NewInMemoryConfigStore(), requests, Options{
		DefaultRoleOrder: order,
		BackoffMax:       time.Millisecond,
	}, testLogger())
	if _, err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return svc, requests
}

func transition(t *testing.T, svc *Service, id, action, role string) (*ApprovalRequest, error) {
	t.Helper()
	return svc.Transition(context.Background(), TransitionRequest{RequestID: id, Action: action, ActingRole: role})
}

func mustCreate(t *testing.T, svc *Service, id string) *ApprovalRequest {
	t.Helper()
	req, err := svc.CreateRequest(context.Background(), CreateInput{RequestID: id, Title: "title " + id})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return req
}

func TestScenario_ThreeStageApproval(t *testing.T) {
	svc, _ := newTestService(t, "L1", "L2", "L3")
	mustCreate(t, svc, "REQ-1")

	steps := []struct {
		role   string
		status Status
		index  int
	}{
		{"L1", StatusPending, 1},
		{"L2", StatusPending, 2},
		{"L3", StatusApproved, 2},
	}
	for _, st := range steps {
		req, err := transition(t, svc, "REQ-1", "approve", st.role)
		if err != nil {
			t.Fatalf("approve as %s: %v", st.role, err)
		}
		if req.Status != st.status || req.CurrentStageIndex != st.index {
			t.Errorf("after %s: expected %s/%d, got %s/%d", st.role, st.status, st.index, req.Status, req.CurrentStageIndex)
		}
	}

	req, _ := svc.GetRequest(context.Background(), "REQ-1")
	if len(req.History) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(req.History))
	}
	if req.Version != 4 {
		t.Errorf("expected version 4 after three commits, got %d", req.Version)
	}
}

func TestScenario_RejectIsTerminal(t *testing.T) {
	svc, _ := newTestService(t, "L1", "L2")
	mustCreate(t, svc, "REQ-2")

	req, err := transition(t, svc, "REQ-2", "reject", "L1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if req.Status != StatusRejected || req.CurrentStageIndex != 0 {
		t.Errorf("expected rejected/0, got %s/%d", req.Status, req.CurrentStageIndex)
	}

	_, err = transition(t, svc, "REQ-2", "approve", "L2")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got: %v", err)
	}
}

func TestScenario_WrongRoleLeavesRecordUntouched(t *testing.T) {
	svc, _ := newTestService(t, "L1", "L2")
	mustCreate(t, svc, "REQ-3")

	_, err := transition(t, svc, "REQ-3", "approve", "L2")
	if !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got: %v", err)
	}

	req, _ := svc.GetRequest(context.Background(), "REQ-3")
	if req.Status != StatusPending || req.CurrentStageIndex != 0 || req.Version != 1 || len(req.History) != 0 {
		t.Errorf("record mutated: %+v", req)
	}
}

func TestScenario_DuplicateRoleConfigRejected(t *testing.T) {
	svc, _ := newTestService(t, "L1")
	_, err := svc.SaveConfig(context.Background(), SaveConfigInput{RoleOrder: []string{"L1", "L1"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %v", err)
	}
	cfg, _ := svc.GetConfig(context.Background())
	if cfg.Version != 1 {
		t.Errorf("expected version unchanged at 1, got %d", cfg.Version)
	}
}

func TestScenario_DuplicateCreate(t *testing.T) {
	svc, _ := newTestService(t, "L1")
	mustCreate(t, svc, "REQ-4")
	_, err := svc.CreateRequest(context.Background(), CreateInput{RequestID: "REQ-4", Title: "again"})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc, _ := newTestService(t, "L1")
	for _, in := range []CreateInput{
		{RequestID: "", Title: "x"},
		{RequestID: "REQ", Title: "  "},
		{RequestID: string(make([]byte, MaxRequestIDLength+1)), Title: "x"},
	} {
		if _, err := svc.CreateRequest(context.Background(), in); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%+v: expected ErrInvalidRequest, got: %v", in, err)
		}
	}
}

func TestService_TransitionNotFound(t *testing.T) {
	svc, _ := newTestService(t, "L1")
	_, err := transition(t, svc, "missing", "approve", "L1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestService_SaveConfigIncrementsVersion(t *testing.T) {
	svc, _ := newTestService(t, "L1")
	cfg, err := svc.SaveConfig(context.Background(), SaveConfigInput{RoleOrder: []string{"A", "B"}, Actor: "admin"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if cfg.Version != 2 || len(cfg.RoleOrder) != 2 || cfg.UpdatedBy != "admin" {
		t.Errorf("unexpected config: %+v", cfg)
	}

	cfg, err = svc.SaveConfig(context.Background(), SaveConfigInput{RoleOrder: []string{"A"}, ExpectedVersion: 2})
	if err != nil {
		t.Fatalf("conditional save: %v", err)
	}
	if cfg.Version != 3 {
		t.Errorf("expected version 3, got %d", cfg.Version)
	}

	_, err = svc.SaveConfig(context.Background(), SaveConfigInput{RoleOrder: []string{"B"}, ExpectedVersion: 2})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got: %v", err)
	}
}

func TestService_GetConfigSeedsEmptyStore(t *testing.T) {
	svc := NewService(NewInMemoryConfigStore(), NewInMemoryRequestStore(), Options{}, testLogger())
	cfg, err := svc.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if len(cfg.RoleOrder) != 1 || cfg.RoleOrder[0] != "L1" || cfg.Version != 1 {
		t.Errorf("unexpected default config: %+v", cfg)
	}
}

func TestService_ConcurrentApprovalsCommitOnce(t *testing.T) {
	svc, _ := newTestService(t, "L1", "L2", "L3")
	mustCreate(t, svc, "REQ-C")

	const workers = 20
	var ok, mismatch, other atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Transition(context.Background(), TransitionRequest{
				RequestID: "REQ-C", Action: "approve", ActingRole: "L1",
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrRoleMismatch), errors.Is(err, ErrConflict):
				mismatch.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 {
		t.Fatalf("expected exactly one commit, got %d", ok.Load())
	}
	if other.Load() != 0 {
		t.Errorf("unexpected errors: %d", other.Load())
	}
	req, _ := svc.GetRequest(context.Background(), "REQ-C")
	if req.CurrentStageIndex != 1 || len(req.History) != 1 || req.Version != 2 {
		t.Errorf("expected single committed approval, got %+v", req)
	}
}

func TestService_ConcurrentDistinctRequests(t *testing.T) {
	svc, _ := newTestService(t, "L1", "L2")
	const n = 10
	for i := 0; i < n; i++ {
		mustCreate(t, svc, string(rune('a'+i)))
	}
	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, role := range []string{"L1", "L2"} {
				if _, err := svc.Transition(context.Background(), TransitionRequest{RequestID: id, Action: "approve", ActingRole: role}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	n64, _ := svc.requests.Count(context.Background(), StatusApproved)
	if n64 != n {
		t.Errorf("expected %d approved, got %d", n, n64)
	}
}

// losingStore never wins a compare-and-swap.
type losingStore struct {
	RequestStore
	calls atomic.Int32
}

func (s *losingStore) CompareAndSwap(context.Context, int64, *ApprovalRequest) (bool, error) {
	s.calls.Add(1)
	return false, nil
}

func TestService_ConflictAfterMaxAttempts(t *testing.T) {
	requests := NewInMemoryRequestStore()
	store := &losingStore{RequestStore: requests}
	svc := NewService(NewInMemoryConfigStore(), store, Options{
		DefaultRoleOrder: []string{"L1"},
		MaxAttempts:      5,
		BackoffMax:       time.Millisecond,
	}, testLogger())
	mustCreate(t, svc, "REQ-X")

	_, err := transition(t, svc, "REQ-X", "approve", "L1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got: %v", err)
	}
	if got := store.calls.Load(); got != 5 {
		t.Errorf("expected 5 CAS attempts, got %d", got)
	}
	req, _ := requests.Get(context.Background(), "REQ-X")
	if req.Version != 1 || len(req.History) != 0 {
		t.Errorf("record mutated: %+v", req)
	}
}

func TestService_ContextAbortsRetryLoop(t *testing.T) {
	store := &losingStore{RequestStore: NewInMemoryRequestStore()}
	svc := NewService(NewInMemoryConfigStore(), store, Options{
		DefaultRoleOrder: []string{"L1"},
		MaxAttempts:      1000,
		BackoffMax:       20 * time.Millisecond,
	}, testLogger())
	mustCreate(t, svc, "REQ-T")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := svc.Transition(ctx, TransitionRequest{RequestID: "REQ-T", Action: "approve", ActingRole: "L1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got: %v", err)
	}
	if Code(err) != CodeTimeout {
		t.Errorf("expected TIMEOUT code, got %s", Code(err))
	}
	if store.calls.Load() >= 1000 {
		t.Errorf("retry loop was not aborted")
	}
}

func TestService_CanceledContext(t *testing.T) {
	svc, _ := newTestService(t, "L1")
	mustCreate(t, svc, "REQ-Q")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Transition(ctx, TransitionRequest{RequestID: "REQ-Q", Action: "approve", ActingRole: "L1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
}

// hookStore runs onGet once before the first Get.
type hookStore struct {
	RequestStore
	once  sync.Once
	onGet func()
}

func (s *hookStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.once.Do(func() {
		if s.onGet != nil {
			s.onGet()
		}
	})
	return s.RequestStore.Get(ctx, id)
}

func TestService_ReconfigurationIsNotRetroactive(t *testing.T) {
	base := NewInMemoryRequestStore()
	hook := &hookStore{RequestStore: base}
	svc := NewService(NewInMemoryConfigStore(), hook, Options{
		DefaultRoleOrder: []string{"L1", "L2"},
		BackoffMax:       time.Millisecond,
	}, testLogger())
	if _, err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, svc, "REQ-R")

	hook.onGet = func() {
		if _, err := svc.SaveConfig(context.Background(), SaveConfigInput{RoleOrder: []string{"X", "Y"}}); err != nil {
			t.Errorf("mid-flight save: %v", err)
		}
	}

	// Reads the old order before the save commits.
	req, err := transition(t, svc, "REQ-R", "approve", "L1")
	if err != nil {
		t.Fatalf("in-flight transition should use its snapshot: %v", err)
	}
	if req.CurrentStageIndex != 1 {
		t.Errorf("expected index 1, got %d", req.CurrentStageIndex)
	}

	// Started after the save: uses the new order.
	if _, err := transition(t, svc, "REQ-R", "approve", "L2"); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch under new order, got: %v", err)
	}
	req, err = transition(t, svc, "REQ-R", "approve", "Y")
	if err != nil {
		t.Fatalf("approve as Y: %v", err)
	}
	if req.Status != StatusApproved {
		t.Errorf("expected approved, got %s", req.Status)
	}
}

func TestService_ShortenedOrderFailsInvalidConfig(t *testing.T) {
	svc, _ := newTestService(t, "L1", "L2", "L3")
	mustCreate(t, svc, "REQ-S")
	for _, role := range []string{"L1", "L2"} {
		if _, err := transition(t, svc, "REQ-S", "approve", role); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.SaveConfig(context.Background(), SaveConfigInput{RoleOrder: []string{"L1"}}); err != nil {
		t.Fatal(err)
	}
	_, err := transition(t, svc, "REQ-S", "approve", "L3")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %v", err)
	}
}

func TestService_EventsEmittedAfterCommit(t *testing.T) {
	svc, _ := newTestService(t, "L1")
	var mu sync.Mutex
	var got []EventType
	svc.WithSink(EventSinkFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
		return nil
	}))
	svc.WithSink(EventSinkFunc(func(context.Context, Event) error {
		return errors.New("sink down")
	}))

	mustCreate(t, svc, "REQ-E")
	if _, err := transition(t, svc, "REQ-E", "approve", "nobody"); err == nil {
		t.Fatal("expected role mismatch")
	}
	if _, err := transition(t, svc, "REQ-E", "approve", "L1"); err != nil {
		t.Fatalf("approve despite failing sink: %v", err)
	}
	if _, err := svc.SaveConfig(context.Background(), SaveConfigInput{RoleOrder: []string{"L1", "L2"}}); err != nil {
		t.Fatal(err)
	}

	want := []EventType{EventRequestCreated, EventRequestTransitioned, EventConfigSaved}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestService_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc, _ := newTestService(t, "L1", "L2")
	svc.WithMetrics(NewMetrics(reg))

	mustCreate(t, svc, "REQ-M")
	_, _ = transition(t, svc, "REQ-M", "approve", "L2")
	_, _ = transition(t, svc, "REQ-M", "approve", "L1")

	if v := counterValue(t, reg, "grcflow_workflow_transitions_total", map[string]string{"action": "approve", "outcome": "ok"}); v != 1 {
		t.Errorf("expected 1 ok transition, got %v", v)
	}
	if v := counterValue(t, reg, "grcflow_workflow_transitions_total", map[string]string{"action": "approve", "outcome": CodeRoleMismatch}); v != 1 {
		t.Errorf("expected 1 role mismatch, got %v", v)
	}
	if v := counterValue(t, reg, "grcflow_workflow_requests_created_total", nil); v != 1 {
		t.Errorf("expected 1 created, got %v", v)
	}

	n, err := svc.RefreshPending(context.Background())
	if err != nil || n != 1 {
		t.Errorf("expected 1 pending, got %d (%v)", n, err)
	}
}

func TestService_StalePending(t *testing.T) {
	svc, _ := newTestService(t, "L1")
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	mustCreate(t, svc, "old")
	clock = clock.Add(100 * time.Hour)
	mustCreate(t, svc, "new")

	stale, err := svc.StalePending(context.Background(), 72*time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].RequestID != "old" {
		t.Errorf("expected only 'old' to be stale, got %+v", stale)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
