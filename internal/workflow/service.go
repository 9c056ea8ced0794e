package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffMax  = 20 * time.Millisecond
)

// DefaultRoleOrder seeds an empty config store when no order is configured.
var DefaultRoleOrder = []string{"L1"}

// Options tunes a Service. Zero values select the defaults above.
type Options struct {
	DefaultRoleOrder []string
	// MaxAttempts is the total number of compare-and-swap attempts per call.
	MaxAttempts int
	// BackoffMax caps the jittered sleep between attempts.
	BackoffMax time.Duration
}

// Service is the only writer of approval requests and workflow config.
//
// Transition reads the config once per call and retries the request
// compare-and-swap against that same snapshot. A config save that commits
// while a transition is in flight does not force it to re-read: new role
// orders apply to transitions that start after the save.
type Service struct {
	configs      ConfigStore
	requests     RequestStore
	defaultOrder []string
	maxAttempts  int
	backoffMax   time.Duration
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	sinks        []EventSink
	now          func() time.Time
}

// NewService creates a workflow service over the given stores.
func NewService(configs ConfigStore, requests RequestStore, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		configs:      configs,
		requests:     requests,
		defaultOrder: opts.DefaultRoleOrder,
		maxAttempts:  opts.MaxAttempts,
		backoffMax:   opts.BackoffMax,
		logger:       logger,
		tracer:       noop.NewTracerProvider().Tracer(""),
		now:          func() time.Time { return time.Now().UTC() },
	}
	if len(s.defaultOrder) == 0 {
		s.defaultOrder = DefaultRoleOrder
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.backoffMax <= 0 {
		s.backoffMax = DefaultBackoffMax
	}
	return s
}

// WithMetrics attaches Prometheus metrics. A nil value disables them.
func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

// WithTracer sets the tracer used for operation spans.
func (s *Service) WithTracer(t trace.Tracer) *Service {
	if t != nil {
		s.tracer = t
	}
	return s
}

// WithSink registers a receiver for committed events.
func (s *Service) WithSink(sink EventSink) *Service {
	if sink != nil {
		s.sinks = append(s.sinks, sink)
	}
	return s
}

// Bootstrap seeds the default role order when the config store is empty.
func (s *Service) Bootstrap(ctx context.Context) (*Config, error) {
	if err := ValidateRoleOrder(s.defaultOrder); err != nil {
		return nil, fmt.Errorf("default role order: %w", err)
	}
	cfg, err := s.configs.Ensure(ctx, s.defaultOrder)
	if err != nil {
		return nil, fmt.Errorf("seeding workflow config: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ConfigVersion.Set(float64(cfg.Version))
	}
	s.logger.Info("workflow config loaded",
		slog.String("role_order", strings.Join(cfg.RoleOrder, ",")),
		slog.Int64("version", cfg.Version),
	)
	return cfg, nil
}

// GetConfig returns the committed config, seeding the default when none exists.
func (s *Service) GetConfig(ctx context.Context) (*Config, error) {
	cfg, err := s.configs.Get(ctx)
	if errors.Is(err, ErrNotFound) {
		return s.Bootstrap(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow config: %w", err)
	}
	return cfg, nil
}

// SaveConfigInput describes a config save. A positive ExpectedVersion makes
// the save conditional: it fails with ErrConflict unless the stored version
// still matches.
type SaveConfigInput struct {
	RoleOrder       []string
	ExpectedVersion int64
	Actor           string
}

// SaveConfig validates and commits a new role order. In-flight requests are
// not migrated.
func (s *Service) SaveConfig(ctx context.Context, in SaveConfigInput) (cfg *Config, err error) {
	ctx, span := s.tracer.Start(ctx, "workflow.SaveConfig")
	defer func() {
		s.finishSpan(span, err)
		if s.metrics != nil {
			s.metrics.ConfigSavesTotal.WithLabelValues(outcome(err)).Inc()
		}
	}()

	if err := ValidateRoleOrder(in.RoleOrder); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("saving workflow config: %w", err)
		}
		current, err := s.GetConfig(ctx)
		if err != nil {
			return nil, err
		}
		if in.ExpectedVersion > 0 && current.Version != in.ExpectedVersion {
			return nil, fmt.Errorf("%w: config is at version %d, expected %d",
				ErrConflict, current.Version, in.ExpectedVersion)
		}

		saved, ok, err := s.configs.CompareAndSwap(ctx, current.Version, in.RoleOrder, in.Actor)
		if err != nil {
			return nil, fmt.Errorf("saving workflow config: %w", err)
		}
		if ok {
			if s.metrics != nil {
				s.metrics.ConfigVersion.Set(float64(saved.Version))
			}
			span.SetAttributes(attribute.Int64("config.version", saved.Version))
			s.logger.InfoContext(ctx, "workflow config saved",
				slog.String("role_order", strings.Join(saved.RoleOrder, ",")),
				slog.Int64("version", saved.Version),
				slog.String("actor", in.Actor),
			)
			s.emit(ctx, Event{Type: EventConfigSaved, Actor: in.Actor, Config: saved.Clone(), Timestamp: saved.UpdatedAt})
			return saved, nil
		}

		if s.metrics != nil {
			s.metrics.CASRetriesTotal.WithLabelValues("config").Inc()
		}
		if in.ExpectedVersion > 0 {
			return nil, fmt.Errorf("%w: config changed concurrently", ErrConflict)
		}
		if attempt < s.maxAttempts {
			if err := s.wait(ctx, attempt); err != nil {
				return nil, fmt.Errorf("saving workflow config: %w", err)
			}
		}
	}
	return nil, fmt.Errorf("%w: config save exhausted %d attempts", ErrConflict, s.maxAttempts)
}

// CreateInput describes a new approval request.
type CreateInput struct {
	RequestID string
	Title     string
	Actor     string
}

// CreateRequest stores a new pending request at stage 0.
func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (req *ApprovalRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "workflow.CreateRequest",
		trace.WithAttributes(attribute.String("request.id", in.RequestID)))
	defer func() { s.finishSpan(span, err) }()

	if err := validateCreate(in.RequestID, in.Title); err != nil {
		return nil, err
	}

	now := s.now()
	req = &ApprovalRequest{
		RequestID:         in.RequestID,
		Title:             in.Title,
		CurrentStageIndex: 0,
		Status:            StatusPending,
		Version:           1,
		History:           []HistoryEntry{},
		CreatedBy:         in.Actor,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("creating request %s: %w", in.RequestID, err)
	}

	if s.metrics != nil {
		s.metrics.RequestsCreated.Inc()
		s.metrics.PendingRequests.Inc()
	}
	s.logger.InfoContext(ctx, "approval request created",
		slog.String("request_id", req.RequestID),
		slog.String("actor", in.Actor),
	)
	ev := Event{Type: EventRequestCreated, Actor: in.Actor, Request: req.Clone(), Timestamp: now}
	if len(s.sinks) > 0 {
		// Subscribers render the stage name; a failed read only loses that.
		if cfg, err := s.configs.Get(ctx); err == nil {
			ev.Config = cfg
		}
	}
	s.emit(ctx, ev)
	return req, nil
}

// GetRequest returns a request or ErrNotFound.
func (s *Service) GetRequest(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	return s.requests.Get(ctx, requestID)
}

// ListRequests returns requests matching f, newest first.
func (s *Service) ListRequests(ctx context.Context, f ListFilter) ([]*ApprovalRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	reqs, err := s.requests.List(ctx, f.Normalize())
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	return reqs, nil
}

// TransitionRequest describes a transition call. Action is raw user input.
type TransitionRequest struct {
	RequestID  string
	Action     string
	ActingRole string
	Actor      string
}

// Transition applies an action to a request. Engine rejections are returned
// unchanged. Version mismatches are retried against a fresh read of the
// request up to the configured attempt count, after which ErrConflict is
// returned. Context cancellation aborts the loop.
func (s *Service) Transition(ctx context.Context, in TransitionRequest) (req *ApprovalRequest, err error) {
	action := ParseAction(in.Action)
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "workflow.Transition", trace.WithAttributes(
		attribute.String("request.id", in.RequestID),
		attribute.String("workflow.action", string(action)),
		attribute.String("workflow.role", in.ActingRole),
	))
	defer func() {
		s.finishSpan(span, err)
		if s.metrics != nil {
			s.metrics.TransitionsTotal.WithLabelValues(string(action), outcome(err)).Inc()
			s.metrics.TransitionDuration.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
		}
	}()

	cfg, err := s.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("transition of %s aborted: %w", in.RequestID, err)
		}

		current, err := s.requests.Get(ctx, in.RequestID)
		if err != nil {
			return nil, err
		}

		now := s.now()
		next, err := Transition(current, cfg.RoleOrder, TransitionInput{
			Action:     action,
			ActingRole: in.ActingRole,
			Actor:      in.Actor,
			At:         now,
		})
		if err != nil {
			return nil, err
		}
		next.Version = current.Version + 1

		ok, err := s.requests.CompareAndSwap(ctx, current.Version, next)
		if err != nil {
			return nil, fmt.Errorf("committing transition of %s: %w", in.RequestID, err)
		}
		if ok {
			span.SetAttributes(
				attribute.Int("workflow.attempts", attempt),
				attribute.String("workflow.status", string(next.Status)),
			)
			if s.metrics != nil && next.Status.Terminal() {
				s.metrics.PendingRequests.Dec()
			}
			s.logger.InfoContext(ctx, "approval request transitioned",
				slog.String("request_id", next.RequestID),
				slog.String("action", string(action)),
				slog.String("acting_role", in.ActingRole),
				slog.String("status", string(next.Status)),
				slog.Int("stage_index", next.CurrentStageIndex),
				slog.Int64("config_version", cfg.Version),
				slog.Int("attempts", attempt),
			)
			s.emit(ctx, Event{
				Type:      EventRequestTransitioned,
				Actor:     in.Actor,
				Action:    action,
				Role:      in.ActingRole,
				Request:   next.Clone(),
				Config:    cfg.Clone(),
				Timestamp: now,
			})
			return next, nil
		}

		if s.metrics != nil {
			s.metrics.CASRetriesTotal.WithLabelValues("request").Inc()
		}
		s.logger.DebugContext(ctx, "transition lost compare-and-swap",
			slog.String("request_id", in.RequestID),
			slog.Int64("expected_version", current.Version),
			slog.Int("attempt", attempt),
		)
		if attempt < s.maxAttempts {
			if err := s.wait(ctx, attempt); err != nil {
				return nil, fmt.Errorf("transition of %s aborted: %w", in.RequestID, err)
			}
		}
	}

	return nil, fmt.Errorf("%w: request %s changed concurrently on %d attempts",
		ErrConflict, in.RequestID, s.maxAttempts)
}

// RefreshPending recounts pending requests and updates the gauge.
func (s *Service) RefreshPending(ctx context.Context) (int64, error) {
	n, err := s.requests.Count(ctx, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("counting pending requests: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PendingRequests.Set(float64(n))
	}
	return n, nil
}

// StalePending returns pending requests not updated within olderThan.
func (s *Service) StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*ApprovalRequest, error) {
	return s.requests.List(ctx, ListFilter{
		Status:        StatusPending,
		UpdatedBefore: s.now().Add(-olderThan),
		Limit:         limit,
	}.Normalize())
}

func (s *Service) emit(ctx context.Context, ev Event) {
	for _, sink := range s.sinks {
		if err := sink.HandleEvent(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "event sink failed",
				slog.String("event", string(ev.Type)),
				slog.String("request_id", ev.RequestID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Service) finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
	}
	span.End()
}

// wait sleeps for a full-jitter backoff before the next attempt.
func (s *Service) wait(ctx context.Context, attempt int) error {
	d := backoff(attempt, s.backoffMax)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns a random duration in [0, min(1ms*2^(attempt-1), limit)].
func backoff(attempt int, limit time.Duration) time.Duration {
	base := time.Millisecond
	for i := 1; i < attempt && base < limit; i++ {
		base *= 2
	}
	if base > limit {
		base = limit
	}
	return time.Duration(rand.Int64N(int64(base) + 1)) // #nosec G404 -- jitter only
}
