package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/personasurvey/internal/embedding"
	"github.com/stellarlinkco/personasurvey/internal/persona"
)

const (
	birthDateLayout = "2006-01-02"
	personaColumns  = `id, name, tags, gender, birth_date, location, education_level, occupation,
		income_range, health_status, ethnicity, legal_status, religion, marital_status,
		ocean_profile, children, mbti, personal_values, hobbies, narrative, typical_day`
)

var filterableColumns = map[persona.Field]bool{
	persona.FieldTags:           true,
	persona.FieldGender:         true,
	persona.FieldBirthDate:      true,
	persona.FieldLocation:       true,
	persona.FieldEducationLevel: true,
	persona.FieldOccupation:     true,
	persona.FieldIncomeRange:    true,
	persona.FieldEthnicity:      true,
	persona.FieldReligion:       true,
	persona.FieldHealthStatus:   true,
	persona.FieldLegalStatus:    true,
	persona.FieldMaritalStatus:  true,
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// where renders a predicate as a SQL condition. The empty predicate is "1=1".
func (d dialect) where(p persona.Predicate) (string, []any, error) {
	clauses := p.Clauses()
	if len(clauses) == 0 {
		return "1=1", nil, nil
	}

	parts := make([]string, 0, len(clauses))
	var args []any
	for _, c := range clauses {
		if !filterableColumns[c.Field] {
			return "", nil, fmt.Errorf("render predicate: unknown field %q", c.Field)
		}
		col := string(c.Field)
		switch c.Op {
		case persona.OpIn:
			if len(c.Values) == 0 {
				parts = append(parts, "1=0")
				continue
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", col, placeholders(len(c.Values))))
			for _, v := range c.Values {
				args = append(args, v)
			}
		case persona.OpContainsFold:
			if len(c.Values) == 0 {
				parts = append(parts, "1=0")
				continue
			}
			ors := make([]string, len(c.Values))
			for i, v := range c.Values {
				ors[i] = fmt.Sprintf(`%s %s ? ESCAPE '\'`, col, d.like())
				args = append(args, "%"+likeEscaper.Replace(v)+"%")
			}
			parts = append(parts, "("+strings.Join(ors, " OR ")+")")
		case persona.OpDateBetween:
			parts = append(parts, col+" BETWEEN ? AND ?")
			args = append(args, c.From.Format(birthDateLayout), c.To.Format(birthDateLayout))
		default:
			return "", nil, fmt.Errorf("render predicate: unknown op %d", c.Op)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// ListPersonas returns matching personas in ascending id order. limit <= 0 means no limit.
func (s *Store) ListPersonas(ctx context.Context, p persona.Predicate, limit int) ([]persona.Persona, error) {
	cond, args, err := s.dialect.where(p)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, `SELECT `+personaColumns+` FROM personas WHERE `+cond+` ORDER BY id ASC`+limitClause(limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()
	return scanPersonas(rows)
}

func (s *Store) PersonaIDs(ctx context.Context, p persona.Predicate, limit int) ([]int64, error) {
	cond, args, err := s.dialect.where(p)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, `SELECT id FROM personas WHERE `+cond+` ORDER BY id ASC`+limitClause(limit), args...)
	if err != nil {
		return nil, fmt.Errorf("persona ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan persona id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persona ids: %w", err)
	}
	return ids, nil
}

func (s *Store) CountPersonas(ctx context.Context, p persona.Predicate) (int, error) {
	cond, args, err := s.dialect.where(p)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM personas WHERE `+cond, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count personas: %w", err)
	}
	return n, nil
}

// GetPersonas loads personas by id, preserving the order of ids. Unknown ids are skipped.
func (s *Store) GetPersonas(ctx context.Context, ids []int64) ([]persona.Persona, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, `SELECT `+personaColumns+` FROM personas WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get personas: %w", err)
	}
	defer rows.Close()

	found, err := scanPersonas(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]persona.Persona, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]persona.Persona, 0, len(found))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) PersonasWithoutChunks(ctx context.Context, limit int) ([]persona.Persona, error) {
	rows, err := s.query(ctx, `SELECT `+personaColumns+` FROM personas WHERE embedded = 0 ORDER BY id ASC`+limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("personas without chunks: %w", err)
	}
	defer rows.Close()
	return scanPersonas(rows)
}

// SaveChunks replaces a persona's chunks and marks it embedded.
func (s *Store) SaveChunks(ctx context.Context, personaID int64, model string, chunks []embedding.Chunk) error {
	blobs := make([][]byte, len(chunks))
	for i, c := range chunks {
		blob, err := embedding.EncodeVector(c.Vector)
		if err != nil {
			return fmt.Errorf("save chunks: persona %d chunk %s/%d: %w", personaID, c.Field, c.Index, err)
		}
		blobs[i] = blob
	}

	return s.tx(ctx, func(t *txn) error {
		if _, err := t.exec(ctx, `DELETE FROM persona_chunks WHERE persona_id = ?`, personaID); err != nil {
			return fmt.Errorf("save chunks: clear: %w", err)
		}
		for i, c := range chunks {
			if _, err := t.exec(ctx, `
				INSERT INTO persona_chunks (persona_id, field, idx, content, embedding, model)
				VALUES (?, ?, ?, ?, ?, ?)
			`, personaID, c.Field, c.Index, c.Content, blobs[i], strings.TrimSpace(model)); err != nil {
				return fmt.Errorf("save chunks: insert: %w", err)
			}
		}
		res, err := t.exec(ctx, `UPDATE personas SET embedded = 1 WHERE id = ?`, personaID)
		if err != nil {
			return fmt.Errorf("save chunks: mark embedded: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("save chunks: persona %d: %w", personaID, ErrNotFound)
		}
		return nil
	})
}

// ChunkVectors loads decoded chunk vectors grouped by persona.
func (s *Store) ChunkVectors(ctx context.Context, ids []int64) (map[int64][][]float32, error) {
	out := make(map[int64][][]float32)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.query(ctx, `
		SELECT persona_id, embedding FROM persona_chunks
		WHERE persona_id IN (`+placeholders(len(ids))+`)
		ORDER BY persona_id, field, idx
	`, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("chunk vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk vector: %w", err)
		}
		vec, err := embedding.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk vector persona %d: %w", id, err)
		}
		out[id] = append(out[id], vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk vectors: %w", err)
	}
	return out, nil
}

// UpsertPersona inserts p, or replaces the row with the same id. Changing a persona
// clears its embeddings so the next backfill re-embeds it.
func (s *Store) UpsertPersona(ctx context.Context, p persona.Persona) (int64, error) {
	var id int64
	err := s.tx(ctx, func(t *txn) error {
		var err error
		id, err = upsertPersona(ctx, t, p)
		return err
	})
	return id, err
}

func upsertPersona(ctx context.Context, t *txn, p persona.Persona) (int64, error) {
	birth := ""
	if !p.BirthDate.IsZero() {
		birth = p.BirthDate.Format(birthDateLayout)
	}
	values := []any{p.Name, p.Tags, p.Gender, birth, p.Location, p.EducationLevel, p.Occupation,
		p.IncomeRange, p.HealthStatus, p.Ethnicity, p.LegalStatus, p.Religion, p.MaritalStatus,
		p.OceanProfile, p.Children, p.MBTI, p.PersonalValues, p.Hobbies, p.Narrative, p.TypicalDay}
	cols := `name, tags, gender, birth_date, location, education_level, occupation,
		income_range, health_status, ethnicity, legal_status, religion, marital_status,
		ocean_profile, children, mbti, personal_values, hobbies, narrative, typical_day`

	var id int64
	if p.ID <= 0 {
		err := t.queryRow(ctx, `INSERT INTO personas (`+cols+`) VALUES (`+placeholders(len(values))+`) RETURNING id`, values...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert persona: %w", err)
		}
		return id, nil
	}

	updates := make([]string, 0, len(values)+1)
	for _, c := range strings.Split(cols, ",") {
		c = strings.TrimSpace(c)
		updates = append(updates, c+" = excluded."+c)
	}
	updates = append(updates, "embedded = 0")
	args := append([]any{p.ID}, values...)
	if _, err := t.exec(ctx, `
		INSERT INTO personas (id, `+cols+`) VALUES (`+placeholders(len(args))+`)
		ON CONFLICT (id) DO UPDATE SET `+strings.Join(updates, ", "), args...); err != nil {
		return 0, fmt.Errorf("upsert persona %d: %w", p.ID, err)
	}
	if _, err := t.exec(ctx, `DELETE FROM persona_chunks WHERE persona_id = ?`, p.ID); err != nil {
		return 0, fmt.Errorf("upsert persona %d: clear chunks: %w", p.ID, err)
	}
	return p.ID, nil
}

func scanPersonas(rows *sql.Rows) ([]persona.Persona, error) {
	var out []persona.Persona
	for rows.Next() {
		var (
			p     persona.Persona
			birth string
		)
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Tags, &p.Gender, &birth, &p.Location, &p.EducationLevel, &p.Occupation,
			&p.IncomeRange, &p.HealthStatus, &p.Ethnicity, &p.LegalStatus, &p.Religion, &p.MaritalStatus,
			&p.OceanProfile, &p.Children, &p.MBTI, &p.PersonalValues, &p.Hobbies, &p.Narrative, &p.TypicalDay,
		); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		if birth != "" {
			t, err := time.Parse(birthDateLayout, birth)
			if err != nil {
				return nil, fmt.Errorf("persona %d birth date %q: %w", p.ID, birth, err)
			}
			p.BirthDate = t
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personas: %w", err)
	}
	return out, nil
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
