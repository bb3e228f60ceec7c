package store

import (
	"context"
	"fmt"
	"strings"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// Statements use {pk}, {blob} and {bigint} so one schema serves both dialects.
var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS populations (
				id {pk},
				tag TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL DEFAULT '',
				prompt_template TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS personas (
				id {pk},
				name TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '',
				gender TEXT NOT NULL DEFAULT '',
				birth_date TEXT NOT NULL DEFAULT '',
				location TEXT NOT NULL DEFAULT '',
				education_level TEXT NOT NULL DEFAULT '',
				occupation TEXT NOT NULL DEFAULT '',
				income_range TEXT NOT NULL DEFAULT '',
				health_status TEXT NOT NULL DEFAULT '',
				ethnicity TEXT NOT NULL DEFAULT '',
				legal_status TEXT NOT NULL DEFAULT '',
				religion TEXT NOT NULL DEFAULT '',
				marital_status TEXT NOT NULL DEFAULT '',
				ocean_profile TEXT NOT NULL DEFAULT '',
				children INTEGER NOT NULL DEFAULT 0,
				mbti TEXT NOT NULL DEFAULT '',
				personal_values TEXT NOT NULL DEFAULT '',
				hobbies TEXT NOT NULL DEFAULT '',
				narrative TEXT NOT NULL DEFAULT '',
				typical_day TEXT NOT NULL DEFAULT '',
				embedded INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_personas_embedded ON personas(embedded, id)`,
			`CREATE TABLE IF NOT EXISTS persona_chunks (
				persona_id {bigint} NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
				field TEXT NOT NULL,
				idx INTEGER NOT NULL,
				content TEXT NOT NULL,
				embedding {blob} NOT NULL,
				model TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (persona_id, field, idx)
			)`,
			`CREATE TABLE IF NOT EXISTS surveys (
				id {pk},
				user_id {bigint} NOT NULL DEFAULT 0,
				project_id {bigint} NOT NULL DEFAULT 0,
				name TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				context TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS questions (
				id {pk},
				survey_id {bigint} NOT NULL REFERENCES surveys(id) ON DELETE CASCADE,
				position INTEGER NOT NULL DEFAULT 0,
				name TEXT NOT NULL DEFAULT '',
				query_text TEXT NOT NULL,
				answer_schema TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_questions_survey ON questions(survey_id, position)`,
			`CREATE TABLE IF NOT EXISTS projects (
				id {pk},
				user_id {bigint} NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active'
			)`,
			`CREATE TABLE IF NOT EXISTS subscriptions (
				id {pk},
				user_id {bigint} NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				max_projects INTEGER NOT NULL DEFAULT 0,
				max_respondents_per_survey INTEGER NOT NULL DEFAULT 0,
				remaining_interactions {bigint} NOT NULL DEFAULT 0,
				expires_at {bigint} NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id, status)`,
			`CREATE TABLE IF NOT EXISTS runs (
				id {pk},
				user_id {bigint} NOT NULL DEFAULT 0,
				project_id {bigint} NOT NULL DEFAULT 0,
				survey_id {bigint} NOT NULL REFERENCES surveys(id),
				population_tag TEXT NOT NULL DEFAULT '',
				respondents INTEGER NOT NULL DEFAULT 0,
				state TEXT NOT NULL DEFAULT 'not_started',
				attempt INTEGER NOT NULL DEFAULT 0,
				total_units INTEGER NOT NULL DEFAULT 0,
				failed_units INTEGER NOT NULL DEFAULT 0,
				started_at {bigint} NOT NULL DEFAULT 0,
				completed_at {bigint} NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state, started_at)`,
			`CREATE TABLE IF NOT EXISTS interactions (
				id {pk},
				run_id {bigint} NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				attempt INTEGER NOT NULL DEFAULT 0,
				persona_id {bigint} NOT NULL,
				question_id {bigint} NOT NULL,
				question_text TEXT NOT NULL DEFAULT '',
				answer_text TEXT NOT NULL,
				cost INTEGER NOT NULL DEFAULT 0,
				created_at {bigint} NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_run ON interactions(run_id)`,
			`CREATE TABLE IF NOT EXISTS counters (
				key TEXT PRIMARY KEY,
				value {bigint} NOT NULL DEFAULT 0
			)`,
		},
	},
}

func (d dialect) ddl(stmt string) string {
	if d.postgres() {
		return strings.NewReplacer("{pk}", "BIGSERIAL PRIMARY KEY", "{blob}", "BYTEA", "{bigint}", "BIGINT").Replace(stmt)
	}
	return strings.NewReplacer("{pk}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{blob}", "BLOB", "{bigint}", "INTEGER").Replace(stmt)
}

func latestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate applies each pending migration in its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at BIGINT NOT NULL DEFAULT 0)`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.tx(ctx, func(t *txn) error {
			for _, stmt := range m.stmts {
				if _, err := t.exec(ctx, s.dialect.ddl(stmt)); err != nil {
					return fmt.Errorf("migrate %d (%s): %w", m.version, m.name, err)
				}
			}
			if _, err := t.exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, s.now().Unix()); err != nil {
				return fmt.Errorf("migrate %d: record version: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("migrate: read current version: %w", err)
	}
	return v, nil
}
