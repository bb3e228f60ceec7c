// Package inference executes one persona × question task against the model.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/answer"
	"github.com/stellarlinkco/personasurvey/internal/llm"
	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/prompt"
)

// Task is one unit of work: a rendered prompt for one persona and one question.
type Task struct {
	RunID        int64            `json:"runId"`
	Attempt      int              `json:"attempt"`
	PersonaID    int64            `json:"personaId"`
	QuestionID   int64            `json:"questionId"`
	QuestionText string           `json:"questionText"`
	SchemaID     answer.ID        `json:"schema"`
	Segments     []prompt.Segment `json:"segments"`
	Model        llm.ModelConfig  `json:"model"`

	// Schema is resolved when the task is planned; Execute falls back to SchemaID.
	Schema answer.Schema `json:"-"`
}

type Result struct {
	RunID        int64
	PersonaID    int64
	QuestionID   int64
	QuestionText string
	AnswerText   string
	Cost         int
}

// ErrSuperseded is returned for a task whose run has been restarted since it
// was queued. The model is not called.
var ErrSuperseded = errors.New("run attempt superseded")

// ProgressSink records completed tasks and reports the run's current attempt.
type ProgressSink interface {
	Complete(ctx context.Context, runID int64, attempt int) error
	Attempt(ctx context.Context, runID int64) (int, bool, error)
}

type Unit struct {
	llm      llm.Completer
	progress ProgressSink
	logger   *zap.Logger
}

func NewUnit(completer llm.Completer, progress ProgressSink, logger *zap.Logger) *Unit {
	return &Unit{
		llm:      completer,
		progress: progress,
		logger:   logging.OrNop(logger).Named("inference"),
	}
}

// Execute makes one model call. It never retries; configuration errors come back
// wrapped in backoff.Permanent so the queue gives up on them at once.
func (u *Unit) Execute(ctx context.Context, task Task) (Result, error) {
	schema := task.Schema
	if schema == nil {
		s, err := answer.Lookup(string(task.SchemaID))
		if err != nil {
			return Result{}, backoff.Permanent(fmt.Errorf("execute persona %d question %d: %w", task.PersonaID, task.QuestionID, err))
		}
		schema = s
	}
	if len(task.Segments) == 0 {
		return Result{}, backoff.Permanent(fmt.Errorf("execute persona %d question %d: %w", task.PersonaID, task.QuestionID, prompt.ErrMissingSegment))
	}

	if u.superseded(ctx, task) {
		return Result{}, backoff.Permanent(fmt.Errorf("execute persona %d question %d: run %d attempt %d: %w",
			task.PersonaID, task.QuestionID, task.RunID, task.Attempt, ErrSuperseded))
	}

	start := time.Now()
	completion, err := u.llm.Complete(ctx, task.Segments, schema, task.Model)
	if err != nil {
		err = fmt.Errorf("execute persona %d question %d: %w", task.PersonaID, task.QuestionID, err)
		if permanent(err) {
			return Result{}, backoff.Permanent(err)
		}
		return Result{}, err
	}

	if err := u.progress.Complete(ctx, task.RunID, task.Attempt); err != nil {
		// The answer is kept; the collector finalises the run regardless.
		u.logger.Warn("progress update failed", zap.Int64("run", task.RunID), zap.Error(err))
	}
	u.logger.Debug("task answered",
		zap.Int64("run", task.RunID),
		zap.Int64("persona", task.PersonaID),
		zap.Int64("question", task.QuestionID),
		zap.Int("cost", completion.Cost),
		zap.Duration("elapsed", time.Since(start)),
	)

	return Result{
		RunID:        task.RunID,
		PersonaID:    task.PersonaID,
		QuestionID:   task.QuestionID,
		QuestionText: task.QuestionText,
		AnswerText:   completion.Text,
		Cost:         completion.Cost,
	}, nil
}

// superseded reports whether a newer attempt of the task's run has started. A
// failed lookup is logged and the task runs.
func (u *Unit) superseded(ctx context.Context, task Task) bool {
	current, ok, err := u.progress.Attempt(ctx, task.RunID)
	if err != nil {
		u.logger.Warn("attempt lookup failed", zap.Int64("run", task.RunID), zap.Error(err))
		return false
	}
	return ok && current > task.Attempt
}

func permanent(err error) bool {
	return errors.Is(err, llm.ErrUnsupportedProvider) ||
		errors.Is(err, answer.ErrUnknownSchema) ||
		errors.Is(err, context.Canceled)
}
