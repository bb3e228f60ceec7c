package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

func (s *Store) PopulationByTag(ctx context.Context, tag string) (Population, error) {
	var p Population
	err := s.queryRow(ctx, `SELECT id, tag, name, prompt_template FROM populations WHERE tag = ?`, strings.TrimSpace(tag)).
		Scan(&p.ID, &p.Tag, &p.Name, &p.PromptTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		return Population{}, fmt.Errorf("population %q: %w", tag, ErrNotFound)
	}
	if err != nil {
		return Population{}, fmt.Errorf("get population %q: %w", tag, err)
	}
	return p, nil
}

// GetSurvey loads a survey with its questions ordered by position, then id.
func (s *Store) GetSurvey(ctx context.Context, id int64) (Survey, error) {
	var sv Survey
	err := s.queryRow(ctx, `SELECT id, user_id, project_id, name, description, context FROM surveys WHERE id = ?`, id).
		Scan(&sv.ID, &sv.UserID, &sv.ProjectID, &sv.Name, &sv.Description, &sv.Context)
	if errors.Is(err, sql.ErrNoRows) {
		return Survey{}, fmt.Errorf("survey %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Survey{}, fmt.Errorf("get survey %d: %w", id, err)
	}

	rows, err := s.query(ctx, `
		SELECT id, survey_id, position, name, query_text, answer_schema
		FROM questions WHERE survey_id = ?
		ORDER BY position ASC, id ASC
	`, id)
	if err != nil {
		return Survey{}, fmt.Errorf("get survey %d questions: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.SurveyID, &q.Position, &q.Name, &q.Text, &q.Schema); err != nil {
			return Survey{}, fmt.Errorf("scan question: %w", err)
		}
		sv.Questions = append(sv.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return Survey{}, fmt.Errorf("iterate questions: %w", err)
	}
	return sv, nil
}

func upsertPopulation(ctx context.Context, t *txn, p Population) error {
	if _, err := t.exec(ctx, `
		INSERT INTO populations (tag, name, prompt_template) VALUES (?, ?, ?)
		ON CONFLICT (tag) DO UPDATE SET name = excluded.name, prompt_template = excluded.prompt_template
	`, strings.TrimSpace(p.Tag), p.Name, p.PromptTemplate); err != nil {
		return fmt.Errorf("upsert population %q: %w", p.Tag, err)
	}
	return nil
}

// upsertSurvey writes a survey and replaces its questions.
func upsertSurvey(ctx context.Context, t *txn, sv Survey) (int64, error) {
	id := sv.ID
	if id <= 0 {
		if err := t.queryRow(ctx, `
			INSERT INTO surveys (user_id, project_id, name, description, context) VALUES (?, ?, ?, ?, ?) RETURNING id
		`, sv.UserID, sv.ProjectID, sv.Name, sv.Description, sv.Context).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert survey: %w", err)
		}
	} else {
		if _, err := t.exec(ctx, `
			INSERT INTO surveys (id, user_id, project_id, name, description, context) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, project_id = excluded.project_id,
				name = excluded.name, description = excluded.description, context = excluded.context
		`, id, sv.UserID, sv.ProjectID, sv.Name, sv.Description, sv.Context); err != nil {
			return 0, fmt.Errorf("upsert survey %d: %w", id, err)
		}
		if _, err := t.exec(ctx, `DELETE FROM questions WHERE survey_id = ?`, id); err != nil {
			return 0, fmt.Errorf("upsert survey %d: clear questions: %w", id, err)
		}
	}

	for i, q := range sv.Questions {
		pos := q.Position
		if pos == 0 {
			pos = i + 1
		}
		if q.ID > 0 {
			if _, err := t.exec(ctx, `
				INSERT INTO questions (id, survey_id, position, name, query_text, answer_schema) VALUES (?, ?, ?, ?, ?, ?)
			`, q.ID, id, pos, q.Name, q.Text, q.Schema); err != nil {
				return 0, fmt.Errorf("insert question %d: %w", q.ID, err)
			}
			continue
		}
		if _, err := t.exec(ctx, `
			INSERT INTO questions (survey_id, position, name, query_text, answer_schema) VALUES (?, ?, ?, ?, ?)
		`, id, pos, q.Name, q.Text, q.Schema); err != nil {
			return 0, fmt.Errorf("insert question: %w", err)
		}
	}
	return id, nil
}
