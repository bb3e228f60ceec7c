package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/metrics"
	"github.com/stellarlinkco/personasurvey/internal/queue"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

const defaultCollectTimeout = 2 * time.Minute

// Releaser refunds reserved interaction units.
type Releaser interface {
	Release(ctx context.Context, userID, units int64) error
}

type Collector struct {
	runs     RunStore
	quota    Releaser
	metrics  *metrics.Metrics
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	timeout  time.Duration
}

func NewCollector(runs RunStore, quota Releaser, m *metrics.Metrics, notifier Notifier, logger *zap.Logger) *Collector {
	return &Collector{
		runs:     runs,
		quota:    quota,
		metrics:  m,
		notifier: notifier,
		logger:   logging.OrNop(logger).Named("collector"),
		now:      time.Now,
		timeout:  defaultCollectTimeout,
	}
}

// Join persists one attempt's outcomes in a single transaction. A superseded
// attempt is discarded and reported as nil. An attempt cut short by a queue
// shutdown is not settled: see interrupt.
func (c *Collector) Join(ctx context.Context, run store.Run, attempt int, outcomes []Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		rows        = make([]store.Interaction, 0, len(outcomes))
		failures    []error
		interrupted int
		unattempted int
	)
	for _, o := range outcomes {
		if interruptedBy(o.Err) {
			interrupted++
			if o.Attempts == 0 {
				unattempted++
			}
			continue
		}
		if o.Err != nil {
			failures = append(failures, fmt.Errorf("persona %d question %d: %w", o.Task.PersonaID, o.Task.QuestionID, o.Err))
			continue
		}
		rows = append(rows, store.Interaction{
			RunID:        run.ID,
			Attempt:      attempt,
			PersonaID:    o.Value.PersonaID,
			QuestionID:   o.Value.QuestionID,
			QuestionText: o.Value.QuestionText,
			AnswerText:   o.Value.AnswerText,
			Cost:         o.Value.Cost,
		})
	}

	if interrupted > 0 {
		c.interrupt(ctx, run, attempt, interrupted, unattempted)
		return nil
	}

	state := store.RunComplete
	if len(failures) > 0 {
		state = store.RunCompletedWithErrors
	}
	log := c.logger.With(zap.Int64("run", run.ID), zap.Int("attempt", attempt))

	err := c.runs.CollectRun(ctx, store.CollectInput{
		RunID:        run.ID,
		Attempt:      attempt,
		Interactions: rows,
		FailedUnits:  len(failures),
		State:        state,
		CompletedAt:  c.now(),
	})
	if errors.Is(err, store.ErrStaleAttempt) {
		log.Info("discarding superseded attempt", zap.Error(err))
		return nil
	}
	if err != nil {
		c.metrics.CollectError()
		log.Error("collect failed, run left running", zap.Error(err))
		return fmt.Errorf("join run %d: %w", run.ID, err)
	}

	c.metrics.RunCollected(string(state))
	if len(failures) > 0 {
		log.Warn("run completed with errors", zap.Int("failed", len(failures)), zap.Int("stored", len(rows)), zap.Error(errors.Join(failures...)))
	} else {
		log.Info("run complete", zap.Int("stored", len(rows)))
	}
	c.notify(ctx, run, state, len(rows), len(failures))
	return nil
}

// interrupt leaves the run running so the stalled-run sweep reports it, and
// refunds the units of tasks that never reached the model.
func (c *Collector) interrupt(ctx context.Context, run store.Run, attempt, interrupted, unattempted int) {
	log := c.logger.With(zap.Int64("run", run.ID), zap.Int("attempt", attempt))
	c.metrics.RunCollected("interrupted")
	log.Warn("run interrupted by shutdown, left running",
		zap.Int("unsettled", interrupted),
		zap.Int("refunded", unattempted),
	)
	if unattempted > 0 && c.quota != nil {
		if err := c.quota.Release(ctx, run.UserID, int64(unattempted)); err != nil {
			log.Error("refund unattempted units failed", zap.Int64("user", run.UserID), zap.Int("units", unattempted), zap.Error(err))
		}
	}
	if c.notifier == nil {
		return
	}
	text := fmt.Sprintf("Survey run %d (survey %d) was interrupted by a shutdown with %d tasks unsettled; start it again to finish.",
		run.ID, run.SurveyID, interrupted)
	if err := c.notifier.Notify(ctx, text); err != nil {
		log.Warn("notify failed", zap.Error(err))
	}
}

// interruptedBy reports whether a task was stopped by the queue shutting down
// rather than failing on its own.
func interruptedBy(err error) bool {
	return errors.Is(err, queue.ErrStopped) || errors.Is(err, context.Canceled)
}

func (c *Collector) notify(ctx context.Context, run store.Run, state store.RunState, stored, failed int) {
	if c.notifier == nil {
		return
	}
	text := fmt.Sprintf("Survey run %d (survey %d) finished: %s, %d answers stored", run.ID, run.SurveyID, state, stored)
	if failed > 0 {
		text += fmt.Sprintf(", %d tasks failed", failed)
	}
	if err := c.notifier.Notify(ctx, text); err != nil {
		c.logger.Warn("notify failed", zap.Int64("run", run.ID), zap.Error(err))
	}
}
