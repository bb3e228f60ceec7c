package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/llm"
	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/metrics"
	"github.com/stellarlinkco/personasurvey/internal/persona"
	"github.com/stellarlinkco/personasurvey/internal/progress"
	"github.com/stellarlinkco/personasurvey/internal/prompt"
	"github.com/stellarlinkco/personasurvey/internal/quota"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

// StartRequest describes one run start. Zero SurveyID and UserID fall back to
// the run record.
type StartRequest struct {
	RunID     int64              `json:"runId"`
	UserID    int64              `json:"userId,omitempty"`
	ProjectID int64              `json:"projectId,omitempty"`
	SurveyID  int64              `json:"surveyId,omitempty"`
	Filter    persona.FilterSpec `json:"filter"`
	Model     llm.ModelConfig    `json:"model"`
}

type StartResult struct {
	RunID      int64  `json:"runId"`
	Attempt    int    `json:"attempt"`
	Personas   int    `json:"personas"`
	Questions  int    `json:"questions"`
	TotalUnits int    `json:"totalUnits"`
	Batch      string `json:"batch"`
}

type Deps struct {
	Runs       RunStore
	Personas   PersonaStore
	Refiner    Refiner
	Quota      quota.Gate
	Dispatcher *Dispatcher
	Tracker    *progress.Tracker
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	// Threshold is the similarity threshold used when a filter leaves it unset.
	Threshold float64
}

type Controller struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

func NewController(deps Deps) *Controller {
	return &Controller{
		deps:   deps,
		logger: logging.OrNop(deps.Logger).Named("controller"),
		now:    time.Now,
	}
}

// StartRun resolves the respondents, reserves quota, marks the run running and
// dispatches its tasks. It returns once the tasks are queued.
func (c *Controller) StartRun(ctx context.Context, req StartRequest) (*StartResult, error) {
	res, err := c.startRun(ctx, req)
	c.deps.Metrics.RunStarted(startResultLabel(err))
	if err != nil {
		c.logger.Warn("run not started", zap.Int64("run", req.RunID), zap.Error(err))
		return nil, err
	}
	c.logger.Info("run started",
		zap.Int64("run", res.RunID),
		zap.Int("attempt", res.Attempt),
		zap.Int("personas", res.Personas),
		zap.Int("questions", res.Questions),
	)
	return res, nil
}

func (c *Controller) startRun(ctx context.Context, req StartRequest) (*StartResult, error) {
	run, err := c.deps.Runs.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	surveyID := req.SurveyID
	if surveyID == 0 {
		surveyID = run.SurveyID
	}
	userID := req.UserID
	if userID == 0 {
		userID = run.UserID
	}

	survey, err := c.deps.Runs.GetSurvey(ctx, surveyID)
	if err != nil {
		return nil, fmt.Errorf("start run %d: %w", run.ID, err)
	}
	if len(survey.Questions) == 0 {
		return nil, fmt.Errorf("start run %d: survey %d: %w", run.ID, survey.ID, ErrEmptySurvey)
	}
	pop, err := c.deps.Runs.PopulationByTag(ctx, run.PopulationTag)
	if err != nil {
		return nil, fmt.Errorf("start run %d: population %q: %w", run.ID, run.PopulationTag, err)
	}
	tmpl, err := prompt.ParseTemplate(pop.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("start run %d: %w: %w", run.ID, ErrInvalidRequest, err)
	}

	personas, err := c.resolvePersonas(ctx, run, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("start run %d: %w", run.ID, err)
	}
	totalUnits := len(personas) * len(survey.Questions)

	tasks, err := c.deps.Dispatcher.Plan(run, personas, survey, tmpl, req.Model)
	if err != nil {
		return nil, fmt.Errorf("start run %d: %w", run.ID, err)
	}

	reservation := quota.Reservation{UserID: userID, Respondents: len(personas), Units: int64(totalUnits)}
	if err := c.deps.Quota.CheckAndReserve(ctx, reservation); err != nil {
		return nil, fmt.Errorf("start run %d: %w", run.ID, err)
	}

	attempt, err := c.deps.Runs.MarkRunning(ctx, run.ID, totalUnits, c.now())
	if err != nil {
		c.release(ctx, userID, reservation.Units)
		return nil, fmt.Errorf("start run %d: %w", run.ID, err)
	}
	if err := c.deps.Runs.CleanupRun(ctx, run.ID); err != nil {
		c.release(ctx, userID, reservation.Units)
		return nil, fmt.Errorf("start run %d: %w", run.ID, err)
	}
	run.State = store.RunRunning
	run.UserID = userID
	run.Attempt = attempt
	run.TotalUnits = totalUnits

	key, err := c.deps.Dispatcher.Dispatch(ctx, run, attempt, tasks)
	if err != nil {
		c.release(ctx, userID, reservation.Units)
		return nil, err
	}

	return &StartResult{
		RunID:      run.ID,
		Attempt:    attempt,
		Personas:   len(personas),
		Questions:  len(survey.Questions),
		TotalUnits: totalUnits,
		Batch:      key,
	}, nil
}

// resolvePersonas applies the filter, the optional semantic refinement and the
// respondent cap, in that order.
func (c *Controller) resolvePersonas(ctx context.Context, run store.Run, filter persona.FilterSpec) ([]persona.Persona, error) {
	limit := run.Respondents
	if filter.MaxResults > 0 {
		limit = filter.MaxResults
	}
	pred := persona.Compile(persona.BasePredicate(run.PopulationTag), filter, c.now())

	if !filter.HasSemanticCriterion() {
		personas, err := c.deps.Personas.ListPersonas(ctx, pred, limit)
		if err != nil {
			return nil, err
		}
		if len(personas) == 0 {
			return nil, ErrNoMatchingPersonas
		}
		return personas, nil
	}

	if c.deps.Refiner == nil {
		return nil, ErrNoRefiner
	}
	threshold := c.deps.Threshold
	if filter.SimilarityThreshold != nil {
		threshold = *filter.SimilarityThreshold
		if threshold < 0 || threshold > 1 {
			return nil, fmt.Errorf("%w: similarity threshold %v outside [0,1]", ErrInvalidRequest, threshold)
		}
	}
	ids, err := c.deps.Refiner.Refine(ctx, filter.SemanticCriterion, pred, threshold)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoMatchingPersonas
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	personas, err := c.deps.Personas.GetPersonas(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, ErrNoMatchingPersonas
	}
	return personas, nil
}

func (c *Controller) release(ctx context.Context, userID, units int64) {
	if err := c.deps.Quota.Release(context.WithoutCancel(ctx), userID, units); err != nil {
		c.logger.Error("release reserved units failed", zap.Int64("user", userID), zap.Int64("units", units), zap.Error(err))
	}
}

func (c *Controller) GetProgress(ctx context.Context, runID int64) (progress.Progress, error) {
	return c.deps.Tracker.Get(ctx, runID)
}

func startResultLabel(err error) string {
	switch {
	case err == nil:
		return "started"
	case errors.Is(err, ErrNoMatchingPersonas):
		return "no_personas"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrEmptySurvey), errors.Is(err, ErrInvalidRequest), errors.Is(err, store.ErrNotFound):
		return "invalid"
	}
	return "error"
}
