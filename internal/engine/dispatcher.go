package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/answer"
	"github.com/stellarlinkco/personasurvey/internal/inference"
	"github.com/stellarlinkco/personasurvey/internal/llm"
	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/persona"
	"github.com/stellarlinkco/personasurvey/internal/progress"
	"github.com/stellarlinkco/personasurvey/internal/prompt"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

type Dispatcher struct {
	queue     TaskQueue
	tracker   *progress.Tracker
	collector *Collector
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(q TaskQueue, tracker *progress.Tracker, collector *Collector, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:     q,
		tracker:   tracker,
		collector: collector,
		logger:    logging.OrNop(logger).Named("dispatcher"),
		now:       time.Now,
	}
}

// BatchKey names the queue batch of one run attempt.
func BatchKey(runID int64, attempt int) string {
	return fmt.Sprintf("survey-run-%d-attempt-%d", runID, attempt)
}

// Plan builds one task per persona and question, persona-major. Every prompt is
// rendered and every answer schema resolved here, so a bad template or schema
// fails the run before anything is reserved.
func (d *Dispatcher) Plan(run store.Run, personas []persona.Persona, survey store.Survey, tmpl prompt.Template, model llm.ModelConfig) ([]inference.Task, error) {
	schemas := make([]answer.Schema, len(survey.Questions))
	for i, q := range survey.Questions {
		s, err := answer.Lookup(q.Schema)
		if err != nil {
			return nil, fmt.Errorf("%w: question %d: %w", ErrInvalidRequest, q.ID, err)
		}
		schemas[i] = s
	}

	now := d.now()
	tasks := make([]inference.Task, 0, len(personas)*len(survey.Questions))
	for _, p := range personas {
		summary, err := persona.Summarize(p, now)
		if err != nil {
			return nil, fmt.Errorf("%w: persona %d: %w", ErrInvalidRequest, p.ID, err)
		}
		for i, q := range survey.Questions {
			segments, err := prompt.Render(tmpl, prompt.Context{
				Summary:     summary,
				Description: survey.Description,
				Context:     survey.Context,
				Query:       q.Text,
			})
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			tasks = append(tasks, inference.Task{
				RunID:        run.ID,
				PersonaID:    p.ID,
				QuestionID:   q.ID,
				QuestionText: q.Text,
				SchemaID:     schemas[i].ID(),
				Schema:       schemas[i],
				Segments:     segments,
				Model:        model,
			})
		}
	}
	return tasks, nil
}

// Dispatch resets the run's progress, scatters the tasks and returns without
// waiting. The collector runs once the batch settles.
func (d *Dispatcher) Dispatch(ctx context.Context, run store.Run, attempt int, tasks []inference.Task) (string, error) {
	for i := range tasks {
		tasks[i].Attempt = attempt
	}
	if err := d.tracker.Start(ctx, run.ID, attempt, len(tasks)); err != nil {
		return "", fmt.Errorf("dispatch run %d: %w", run.ID, err)
	}

	key := BatchKey(run.ID, attempt)
	batch, err := d.queue.Scatter(ctx, key, tasks)
	if err != nil {
		return "", fmt.Errorf("dispatch run %d: scatter: %w", run.ID, err)
	}

	// The join outlives the request that started the run.
	joinCtx := context.WithoutCancel(ctx)
	if err := d.queue.OnJoin(batch, func(outcomes []Outcome) {
		// Join logs and counts its own failures; a failed collect leaves the run running.
		_ = d.collector.Join(joinCtx, run, attempt, outcomes)
	}); err != nil {
		return "", fmt.Errorf("dispatch run %d: register join: %w", run.ID, err)
	}

	d.logger.Info("run dispatched", zap.Int64("run", run.ID), zap.Int("attempt", attempt), zap.Int("tasks", len(tasks)), zap.String("batch", key))
	return key, nil
}
