package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/grcflow/internal/config"
)

// minSamples is the number of observations needed before a rate is judged.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection using sliding windows.
// It tracks two rates per operation: errors and lost compare-and-swap races.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	conflicts     map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	alerts        int
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		conflicts:     make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(1)
	a.checkRate(operation, "error", a.errorCounts, a.cfg.ErrorRateThreshold)
}

// RecordConflict records a compare-and-swap that lost to a concurrent writer.
func (a *AnomalyDetector) RecordConflict(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.conflicts, operation).add(1)
	a.checkRate(operation, "conflict", a.conflicts, a.cfg.ConflictRateThreshold)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(1)
}

// Alerts returns how many threshold breaches have been reported.
func (a *AnomalyDetector) Alerts() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerts
}

// checkRate compares the share of kind observations against threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkRate(operation, kind string, counts map[string]*slidingWindow, threshold float64) {
	if threshold <= 0 {
		return
	}

	bad := a.getOrCreateWindow(counts, operation).sum()
	total := a.getOrCreateWindow(a.errorCounts, operation).sum() +
		a.getOrCreateWindow(a.conflicts, operation).sum() +
		a.getOrCreateWindow(a.successCounts, operation).sum()

	if total < minSamples {
		return // Not enough data.
	}

	rate := bad / total
	if rate <= threshold {
		return
	}
	a.alerts++
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high "+kind+" rate",
			slog.String("operation", operation),
			slog.Float64("rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("count", bad),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
