package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/metrics"
	"github.com/stellarlinkco/personasurvey/internal/progress"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

const SweepJobName = "stalled-run-sweep"

type RunSource interface {
	StalledRuns(ctx context.Context, cutoff time.Time) ([]store.Run, error)
}

type ProgressSource interface {
	Get(ctx context.Context, runID int64) (progress.Progress, error)
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type StalledRun struct {
	Run      store.Run         `json:"run"`
	Progress progress.Progress `json:"progress"`
	Age      time.Duration     `json:"age"`
}

// Sweeper reports runs stuck in running past stallAfter. It never restarts them.
type Sweeper struct {
	runs       RunSource
	progress   ProgressSource
	metrics    *metrics.Metrics
	notifier   Notifier
	stallAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	notified map[string]bool
}

func NewSweeper(runs RunSource, prog ProgressSource, stallAfter time.Duration, m *metrics.Metrics, notifier Notifier, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		runs:       runs,
		progress:   prog,
		metrics:    m,
		notifier:   notifier,
		stallAfter: stallAfter,
		logger:     logging.OrNop(logger).Named("sweeper"),
		now:        time.Now,
		notified:   make(map[string]bool),
	}
}

// Sweep returns the running runs older than the stall threshold whose progress
// is below 100%. Each run attempt is notified at most once.
func (w *Sweeper) Sweep(ctx context.Context) ([]StalledRun, error) {
	now := w.now()
	candidates, err := w.runs.StalledRuns(ctx, now.Add(-w.stallAfter))
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	var stalled []StalledRun
	for _, r := range candidates {
		p, err := w.progress.Get(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("sweep: run %d: %w", r.ID, err)
		}
		if p.Percent >= 100 {
			continue
		}
		stalled = append(stalled, StalledRun{Run: r, Progress: p, Age: now.Sub(r.StartedAt)})
	}
	w.metrics.SetStalledRuns(len(stalled))

	for _, s := range stalled {
		w.logger.Warn("run stalled",
			zap.Int64("run", s.Run.ID),
			zap.Int("attempt", s.Run.Attempt),
			zap.Float64("percent", s.Progress.Percent),
			zap.Duration("age", s.Age.Truncate(time.Second)),
		)
		w.notify(ctx, s)
	}
	return stalled, nil
}

func (w *Sweeper) notify(ctx context.Context, s StalledRun) {
	if w.notifier == nil {
		return
	}
	key := fmt.Sprintf("%d/%d", s.Run.ID, s.Run.Attempt)
	w.mu.Lock()
	seen := w.notified[key]
	w.notified[key] = true
	w.mu.Unlock()
	if seen {
		return
	}
	text := fmt.Sprintf("Survey run %d has been running for %s at %.2f%%; it may need a restart.",
		s.Run.ID, s.Age.Truncate(time.Minute), s.Progress.Percent)
	if err := w.notifier.Notify(ctx, text); err != nil {
		w.logger.Warn("notify failed", zap.Int64("run", s.Run.ID), zap.Error(err))
	}
}

// Job adapts Sweep for the cron service.
func (w *Sweeper) Job() JobFunc {
	return func(ctx context.Context) (string, error) {
		stalled, err := w.Sweep(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d stalled runs", len(stalled)), nil
	}
}
