package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/stellarlinkco/personasurvey/internal/persona"
)

// Dataset is the seed document accepted by Import.
type Dataset struct {
	Populations   []Population      `json:"populations"`
	Personas      []persona.Persona `json:"personas"`
	Surveys       []Survey          `json:"surveys"`
	Projects      []Project         `json:"projects"`
	Subscriptions []Subscription    `json:"subscriptions"`
	Runs          []Run             `json:"runs"`
}

type ImportStats struct {
	Populations   int `json:"populations"`
	Personas      int `json:"personas"`
	Surveys       int `json:"surveys"`
	Projects      int `json:"projects"`
	Subscriptions int `json:"subscriptions"`
	Runs          int `json:"runs"`
}

func DecodeDataset(r io.Reader) (Dataset, error) {
	var ds Dataset
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ds); err != nil {
		return Dataset{}, fmt.Errorf("decode dataset: %w", err)
	}
	return ds, nil
}

// Import writes the dataset in one transaction. Rows with an id are upserted.
func (s *Store) Import(ctx context.Context, ds Dataset) (ImportStats, error) {
	var stats ImportStats
	err := s.tx(ctx, func(t *txn) error {
		for _, p := range ds.Populations {
			if err := upsertPopulation(ctx, t, p); err != nil {
				return err
			}
			stats.Populations++
		}
		for _, p := range ds.Personas {
			if _, err := upsertPersona(ctx, t, p); err != nil {
				return err
			}
			stats.Personas++
		}
		for _, sv := range ds.Surveys {
			if _, err := upsertSurvey(ctx, t, sv); err != nil {
				return err
			}
			stats.Surveys++
		}
		for _, p := range ds.Projects {
			if err := upsertProject(ctx, t, p); err != nil {
				return err
			}
			stats.Projects++
		}
		for _, sub := range ds.Subscriptions {
			if err := upsertSubscription(ctx, t, sub); err != nil {
				return err
			}
			stats.Subscriptions++
		}
		for _, r := range ds.Runs {
			if err := upsertRun(ctx, t, r); err != nil {
				return err
			}
			stats.Runs++
		}
		return t.syncSequences(ctx, "personas", "surveys", "questions", "projects", "subscriptions", "runs")
	})
	if err != nil {
		return ImportStats{}, fmt.Errorf("import: %w", err)
	}
	return stats, nil
}

func upsertProject(ctx context.Context, t *txn, p Project) error {
	status := p.Status
	if status == "" {
		status = "active"
	}
	if p.ID <= 0 {
		if _, err := t.exec(ctx, `INSERT INTO projects (user_id, name, status) VALUES (?, ?, ?)`, p.UserID, p.Name, status); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return nil
	}
	if _, err := t.exec(ctx, `
		INSERT INTO projects (id, user_id, name, status) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, name = excluded.name, status = excluded.status
	`, p.ID, p.UserID, p.Name, status); err != nil {
		return fmt.Errorf("upsert project %d: %w", p.ID, err)
	}
	return nil
}

func upsertSubscription(ctx context.Context, t *txn, sub Subscription) error {
	status := sub.Status
	if status == "" {
		status = "active"
	}
	args := []any{sub.UserID, status, sub.MaxProjects, sub.MaxRespondentsPerSurvey, sub.RemainingInteractions, unixOrZero(sub.ExpiresAt)}
	if sub.ID <= 0 {
		if _, err := t.exec(ctx, `
			INSERT INTO subscriptions (user_id, status, max_projects, max_respondents_per_survey, remaining_interactions, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, args...); err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	}
	if _, err := t.exec(ctx, `
		INSERT INTO subscriptions (id, user_id, status, max_projects, max_respondents_per_survey, remaining_interactions, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, status = excluded.status,
			max_projects = excluded.max_projects, max_respondents_per_survey = excluded.max_respondents_per_survey,
			remaining_interactions = excluded.remaining_interactions, expires_at = excluded.expires_at
	`, append([]any{sub.ID}, args...)...); err != nil {
		return fmt.Errorf("upsert subscription %d: %w", sub.ID, err)
	}
	return nil
}

func upsertRun(ctx context.Context, t *txn, r Run) error {
	state := r.State
	if state == "" {
		state = RunNotStarted
	}
	args := []any{r.UserID, r.ProjectID, r.SurveyID, r.PopulationTag, r.Respondents, string(state)}
	if r.ID <= 0 {
		if _, err := t.exec(ctx, `
			INSERT INTO runs (user_id, project_id, survey_id, population_tag, respondents, state) VALUES (?, ?, ?, ?, ?, ?)
		`, args...); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	}
	if _, err := t.exec(ctx, `
		INSERT INTO runs (id, user_id, project_id, survey_id, population_tag, respondents, state) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, project_id = excluded.project_id,
			survey_id = excluded.survey_id, population_tag = excluded.population_tag, respondents = excluded.respondents
	`, append([]any{r.ID}, args...)...); err != nil {
		return fmt.Errorf("upsert run %d: %w", r.ID, err)
	}
	return nil
}

// syncSequences moves Postgres serial sequences past explicitly imported ids.
func (t *txn) syncSequences(ctx context.Context, tables ...string) error {
	if !t.d.postgres() {
		return nil
	}
	for _, table := range tables {
		q := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), COALESCE((SELECT MAX(id) FROM %[1]s), 0) + 1, false)`, table)
		if _, err := t.exec(ctx, q); err != nil {
			return fmt.Errorf("sync %s sequence: %w", table, err)
		}
	}
	return nil
}
