package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/grcflow/internal/workflow"
)

const healthCheckTimeout = 3 * time.Second

// Readiness states reported by CheckReady.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// HealthChecker aggregates readiness of storage and the workflow config.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check. Check may return a short detail
// that is reported alongside a passing result.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) (string, error)
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status     string `json:"status"` // "ok" or "fail"
	Detail     string `json:"detail,omitempty"`
	Message    string `json:"message,omitempty"` // Error on failure.
	DurationMS int64  `json:"duration_ms"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a check that only reports pass or fail.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.AddDetailedCheck(name, func(ctx context.Context) (string, error) {
		return "", check(ctx)
	})
}

// AddDetailedCheck registers a check that also reports a detail string.
func (h *HealthChecker) AddDetailedCheck(name string, check func(ctx context.Context) (string, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth reports liveness. It is "ok" while the process serves requests.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs every check concurrently under a shared deadline. The
// result is "ok" only when all checks pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			start := time.Now()
			detail, err := c.Check(checkCtx)
			res := CheckResult{Status: StatusOK, Detail: detail, DurationMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Detail = ""
				res.Message = err.Error()
			}
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		res := results[i]
		status.Checks[c.Name] = res
		if res.Status == StatusOK {
			continue
		}
		status.Status = StatusDegraded
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", res.Message),
			)
		}
	}
	return status
}

// WorkflowConfigCheck reports whether the workflow config has been seeded
// and still holds a valid stage order. The detail names the version and
// the stages, e.g. "v3 L1 > L2".
func WorkflowConfigCheck(configs workflow.ConfigStore) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		cfg, err := configs.Get(ctx)
		if errors.Is(err, workflow.ErrNotFound) {
			return "", errors.New("workflow config not seeded")
		}
		if err != nil {
			return "", fmt.Errorf("reading workflow config: %w", err)
		}
		if err := workflow.ValidateRoleOrder(cfg.RoleOrder); err != nil {
			return "", fmt.Errorf("stored workflow config v%d: %w", cfg.Version, err)
		}
		return fmt.Sprintf("v%d %s", cfg.Version, strings.Join(cfg.RoleOrder, " > ")), nil
	}
}
