// Package scheduler runs the periodic maintenance jobs of grcflow on a
// cron schedule: it refreshes the pending-request gauge, reports requests
// that have waited too long at their current stage, and reclaims idle
// rate-limit buckets.
//
// The janitor never transitions requests. Stale requests are reported, not
// escalated or expired.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/grcflow/internal/config"
	"github.com/jkaninda/grcflow/internal/observability"
	"github.com/jkaninda/grcflow/internal/ratelimit"
	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
)

const (
	// staleReportLimit caps how many stale requests one run logs.
	staleReportLimit = 100
	// DefaultBucketIdle is how long a rate-limit bucket may sit unused
	// before Sweep drops it.
	DefaultBucketIdle = 10 * time.Minute
)

// Service is the slice of workflow.Service the janitor needs.
type Service interface {
	RefreshPending(ctx context.Context) (int64, error)
	StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*workflow.ApprovalRequest, error)
}

// Scheduler runs the janitor on a cron schedule.
type Scheduler struct {
	service    Service
	limiter    *ratelimit.Limiter
	metrics    *Metrics
	collector  *observability.MetricsCollector
	logger     *slog.Logger
	config     *config.SchedulerConfig
	staleAfter time.Duration
	bucketIdle time.Duration
	now        func() time.Time

	parser cron.Parser
}

// New creates a Scheduler. limiter and metrics may be nil.
func New(
	svc Service,
	limiter *ratelimit.Limiter,
	metrics *Metrics,
	logger *slog.Logger,
	cfg *config.SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		service:    svc,
		limiter:    limiter,
		metrics:    metrics,
		logger:     logger,
		config:     cfg,
		staleAfter: cfg.StaleAfter(),
		bucketIdle: DefaultBucketIdle,
		now:        func() time.Time { return time.Now().UTC() },
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// WithCollector reports each run to the shared observability collector.
func (s *Scheduler) WithCollector(m *observability.MetricsCollector) *Scheduler {
	s.collector = m
	return s
}

// WithStaleAfter overrides the stale threshold from the config.
func (s *Scheduler) WithStaleAfter(d time.Duration) *Scheduler {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

// Start runs the janitor once, then on every cron tick until ctx is
// canceled or the returned stop function is called. Stop waits for a
// running pass to finish.
func (s *Scheduler) Start(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.config.CronSchedule(), func() { s.RunOnce(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", s.config.CronSchedule(), err)
	}

	next, _ := NextRun(s.config.CronSchedule(), s.now())
	s.logger.InfoContext(ctx, "janitor scheduler started",
		slog.String("schedule", s.config.CronSchedule()),
		slog.String("stale_after", s.staleAfter.String()),
		slog.Time("next_run", next),
	)

	// The first pass runs immediately.
	go s.RunOnce(ctx)
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		s.logger.Info("janitor scheduler stopped")
	}()

	return cancel, nil
}

// Report summarizes one janitor pass.
type Report struct {
	Pending      int64
	Stale        []string
	BucketsSwept int
}

// RunOnce performs a single janitor pass. Each job runs even when an
// earlier one fails.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	start := time.Now()
	ctx = security.WithCorrelationID(ctx, newCorrelationID())
	var report Report

	pending, err := s.service.RefreshPending(ctx)
	s.record(ctx, "refresh_pending", err)
	report.Pending = pending

	report.Stale, err = s.reportStale(ctx)
	s.record(ctx, "stale_requests", err)

	if s.limiter != nil {
		report.BucketsSwept = s.limiter.Sweep(s.bucketIdle)
		s.record(ctx, "ratelimit_sweep", nil)
		if s.metrics != nil {
			s.metrics.BucketsSwept.Add(float64(report.BucketsSwept))
		}
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.DebugContext(ctx, "janitor pass complete",
		slog.Int64("pending", report.Pending),
		slog.Int("stale", len(report.Stale)),
		slog.Int("buckets_swept", report.BucketsSwept),
		slog.Duration("duration", time.Since(start)),
	)
	return report
}

// reportStale logs every pending request not updated within staleAfter.
func (s *Scheduler) reportStale(ctx context.Context) ([]string, error) {
	stale, err := s.service.StalePending(ctx, s.staleAfter, staleReportLimit)
	if err != nil {
		return nil, fmt.Errorf("listing stale requests: %w", err)
	}
	if s.metrics != nil {
		s.metrics.StaleRequests.Set(float64(len(stale)))
	}

	ids := make([]string, 0, len(stale))
	now := s.now()
	for _, req := range stale {
		ids = append(ids, req.RequestID)
		s.logger.WarnContext(ctx, "approval request is stale",
			slog.String("request_id", req.RequestID),
			slog.Int("stage_index", req.CurrentStageIndex),
			slog.Duration("waiting", now.Sub(req.UpdatedAt).Round(time.Minute)),
			slog.String("correlation_id", security.CorrelationID(ctx)),
		)
	}
	return ids, nil
}

func (s *Scheduler) record(ctx context.Context, job string, err error) {
	s.collector.RecordSchedulerRun(job, err)
	if s.metrics != nil {
		s.metrics.JobsRun.WithLabelValues(job).Inc()
		if err != nil {
			s.metrics.JobsFailed.WithLabelValues(job).Inc()
		}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "janitor job failed",
			slog.String("job", job),
			slog.String("correlation_id", security.CorrelationID(ctx)),
			slog.String("error", err.Error()),
		)
	}
}

// NextRun returns the next time expr fires after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
