// Package engine starts survey runs, fans their tasks out to the queue and
// persists the results when every task has settled.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/stellarlinkco/personasurvey/internal/inference"
	"github.com/stellarlinkco/personasurvey/internal/persona"
	"github.com/stellarlinkco/personasurvey/internal/queue"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

var (
	ErrNoMatchingPersonas = errors.New("no personas match the filter")
	ErrEmptySurvey        = errors.New("survey has no questions")
	ErrInvalidRequest     = errors.New("invalid run request")
	ErrNoRefiner          = errors.New("semantic filtering is not configured")
)

type (
	Batch   = queue.Batch[inference.Task, inference.Result]
	Outcome = queue.Outcome[inference.Task, inference.Result]
)

type PersonaStore interface {
	ListPersonas(ctx context.Context, p persona.Predicate, limit int) ([]persona.Persona, error)
	GetPersonas(ctx context.Context, ids []int64) ([]persona.Persona, error)
	CountPersonas(ctx context.Context, p persona.Predicate) (int, error)
}

type RunStore interface {
	GetRun(ctx context.Context, id int64) (store.Run, error)
	GetSurvey(ctx context.Context, id int64) (store.Survey, error)
	PopulationByTag(ctx context.Context, tag string) (store.Population, error)
	MarkRunning(ctx context.Context, runID int64, totalUnits int, now time.Time) (int, error)
	CleanupRun(ctx context.Context, runID int64) error
	CollectRun(ctx context.Context, in store.CollectInput) error
}

type Refiner interface {
	Refine(ctx context.Context, criterion string, candidates persona.Predicate, threshold float64) ([]int64, error)
}

// TaskQueue is the part of queue.Pool the dispatcher uses.
type TaskQueue interface {
	Scatter(ctx context.Context, key string, tasks []inference.Task) (*Batch, error)
	OnJoin(b *Batch, fn func([]Outcome)) error
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

var (
	_ TaskQueue    = (*queue.Pool[inference.Task, inference.Result])(nil)
	_ PersonaStore = (*store.Store)(nil)
	_ RunStore     = (*store.Store)(nil)
)
