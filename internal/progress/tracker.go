// Package progress reports how far a survey run has advanced using two counters per run.
package progress

import (
	"context"
	"fmt"
	"math"

	"github.com/stellarlinkco/personasurvey/internal/counter"
)

type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateFinished   State = "finished"
)

// Progress is a point-in-time snapshot. Percent has two decimals; Display is Percent
// rounded to the nearest multiple of five.
type Progress struct {
	Percent float64 `json:"percent"`
	Display int     `json:"display"`
	State   State   `json:"state"`
}

// Counters are kept per attempt so a superseded attempt's late completions
// never land on the current attempt. AttemptKey points readers at the current one.
func TotalKey(runID int64, attempt int) string {
	return fmt.Sprintf("survey_total_tasks_%d_%d", runID, attempt)
}

func CompletedKey(runID int64, attempt int) string {
	return fmt.Sprintf("survey_completed_tasks_%d_%d", runID, attempt)
}

func AttemptKey(runID int64) string { return fmt.Sprintf("survey_attempt_%d", runID) }

type Tracker struct {
	store counter.Store
}

func NewTracker(store counter.Store) *Tracker {
	return &Tracker{store: store}
}

// Start resets the attempt's counters and then makes it current, so a reader
// never sees the new attempt before its total exists.
func (t *Tracker) Start(ctx context.Context, runID int64, attempt, total int) error {
	if err := t.store.Set(ctx, CompletedKey(runID, attempt), 0); err != nil {
		return fmt.Errorf("start progress: %w", err)
	}
	if err := t.store.Set(ctx, TotalKey(runID, attempt), int64(total)); err != nil {
		return fmt.Errorf("start progress: %w", err)
	}
	if err := t.store.Set(ctx, AttemptKey(runID), int64(attempt)); err != nil {
		return fmt.Errorf("start progress: %w", err)
	}
	return nil
}

func (t *Tracker) Complete(ctx context.Context, runID int64, attempt int) error {
	if _, err := t.store.Incr(ctx, CompletedKey(runID, attempt)); err != nil {
		return fmt.Errorf("complete progress: %w", err)
	}
	return nil
}

// Attempt returns the run's current attempt. ok is false before the first Start.
func (t *Tracker) Attempt(ctx context.Context, runID int64) (attempt int, ok bool, err error) {
	v, ok, err := t.store.Get(ctx, AttemptKey(runID))
	if err != nil {
		return 0, false, fmt.Errorf("get attempt: %w", err)
	}
	return int(v), ok, nil
}

func (t *Tracker) Get(ctx context.Context, runID int64) (Progress, error) {
	attempt, ok, err := t.Attempt(ctx, runID)
	if err != nil {
		return Progress{}, fmt.Errorf("get progress: %w", err)
	}
	if !ok {
		return Progress{State: StateNotStarted}, nil
	}
	total, ok, err := t.store.Get(ctx, TotalKey(runID, attempt))
	if err != nil {
		return Progress{}, fmt.Errorf("get progress: %w", err)
	}
	if !ok {
		return Progress{State: StateNotStarted}, nil
	}
	completed, _, err := t.store.Get(ctx, CompletedKey(runID, attempt))
	if err != nil {
		return Progress{}, fmt.Errorf("get progress: %w", err)
	}
	return Compute(completed, total), nil
}

// Compute derives a snapshot from raw counts. A zero total reports 0% running.
func Compute(completed, total int64) Progress {
	if total <= 0 {
		return Progress{State: StateRunning}
	}
	pct := float64(completed) / float64(total) * 100
	pct = math.Max(0, math.Min(100, pct))
	pct = math.Round(pct*100) / 100

	p := Progress{
		Percent: pct,
		Display: int(math.Round(pct/5) * 5),
		State:   StateRunning,
	}
	if pct >= 100 {
		p.State = StateFinished
	}
	return p
}
