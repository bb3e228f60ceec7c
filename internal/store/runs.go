package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = `id, user_id, project_id, survey_id, population_tag, respondents, state, attempt,
	total_units, failed_units, started_at, completed_at`

func (s *Store) CreateRun(ctx context.Context, r Run) (int64, error) {
	state := r.State
	if state == "" {
		state = RunNotStarted
	}
	var id int64
	err := s.tx(ctx, func(t *txn) error {
		return t.queryRow(ctx, `
			INSERT INTO runs (user_id, project_id, survey_id, population_tag, respondents, state)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id
		`, r.UserID, r.ProjectID, r.SurveyID, r.PopulationTag, r.Respondents, string(state)).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

func (s *Store) GetRun(ctx context.Context, id int64) (Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return r, nil
}

// MarkRunning moves a run into a new attempt and returns the attempt number.
func (s *Store) MarkRunning(ctx context.Context, runID int64, totalUnits int, now time.Time) (int, error) {
	var attempt int
	err := s.tx(ctx, func(t *txn) error {
		err := t.queryRow(ctx, `
			UPDATE runs
			SET state = ?, attempt = attempt + 1, total_units = ?, failed_units = 0,
			    started_at = ?, completed_at = 0
			WHERE id = ?
			RETURNING attempt
		`, string(RunRunning), totalUnits, now.Unix(), runID).Scan(&attempt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %d: %w", runID, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark run running: %w", err)
	}
	return attempt, nil
}

// CleanupRun deletes every stored interaction of a run. Deleting nothing is not an error.
func (s *Store) CleanupRun(ctx context.Context, runID int64) error {
	err := s.tx(ctx, func(t *txn) error {
		_, err := t.exec(ctx, `DELETE FROM interactions WHERE run_id = ?`, runID)
		return err
	})
	if err != nil {
		return fmt.Errorf("cleanup run %d: %w", runID, err)
	}
	return nil
}

// CollectRun stores every interaction of one attempt and finalises the run in a
// single transaction. A run restarted since the attempt began yields ErrStaleAttempt
// and nothing is written.
func (s *Store) CollectRun(ctx context.Context, in CollectInput) error {
	err := s.tx(ctx, func(t *txn) error {
		var (
			attempt int
			state   string
		)
		err := t.queryRow(ctx, `SELECT attempt, state FROM runs WHERE id = ?`+t.d.forUpdate(), in.RunID).Scan(&attempt, &state)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %d: %w", in.RunID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock run: %w", err)
		}
		if attempt != in.Attempt || RunState(state) != RunRunning {
			return fmt.Errorf("run %d attempt %d (current %d, %s): %w", in.RunID, in.Attempt, attempt, state, ErrStaleAttempt)
		}

		created := unixOrZero(in.CompletedAt)
		for _, it := range in.Interactions {
			if _, err := t.exec(ctx, `
				INSERT INTO interactions (run_id, attempt, persona_id, question_id, question_text, answer_text, cost, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, in.RunID, in.Attempt, it.PersonaID, it.QuestionID, it.QuestionText, it.AnswerText, it.Cost, created); err != nil {
				return fmt.Errorf("stage interaction persona=%d question=%d: %w", it.PersonaID, it.QuestionID, err)
			}
		}

		if _, err := t.exec(ctx, `
			UPDATE runs SET state = ?, failed_units = ?, completed_at = ? WHERE id = ?
		`, string(in.State), in.FailedUnits, created, in.RunID); err != nil {
			return fmt.Errorf("finalise run: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("collect run %d: %w", in.RunID, err)
	}
	return nil
}

// StalledRuns lists runs still running that started before cutoff.
func (s *Store) StalledRuns(ctx context.Context, cutoff time.Time) ([]Run, error) {
	rows, err := s.query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE state = ? AND started_at > 0 AND started_at < ?
		ORDER BY started_at ASC, id ASC
	`, string(RunRunning), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("stalled runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *Store) Interactions(ctx context.Context, runID int64) ([]Interaction, error) {
	rows, err := s.query(ctx, `
		SELECT id, run_id, attempt, persona_id, question_id, question_text, answer_text, cost, created_at
		FROM interactions WHERE run_id = ?
		ORDER BY persona_id ASC, question_id ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var (
			it      Interaction
			created int64
		)
		if err := rows.Scan(&it.ID, &it.RunID, &it.Attempt, &it.PersonaID, &it.QuestionID, &it.QuestionText, &it.AnswerText, &it.Cost, &created); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		it.CreatedAt = timeOrZero(created)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                  Run
		state              string
		started, completed int64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.SurveyID, &r.PopulationTag, &r.Respondents,
		&state, &r.Attempt, &r.TotalUnits, &r.FailedUnits, &started, &completed); err != nil {
		return Run{}, err
	}
	r.State = RunState(state)
	r.StartedAt = timeOrZero(started)
	r.CompletedAt = timeOrZero(completed)
	return r, nil
}
