package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/personasurvey/internal/config"
	"github.com/stellarlinkco/personasurvey/internal/embedding"
	"github.com/stellarlinkco/personasurvey/internal/persona"
	"github.com/stellarlinkco/personasurvey/internal/quota"
)

var testNow = time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.StoreConfig{
		Driver: config.StoreDriverSQLite,
		Path:   filepath.Join(t.TempDir(), "survey.db"),
	})
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedDataset() Dataset {
	return Dataset{
		Populations: []Population{{
			Tag:            "uk-adults",
			Name:           "UK adults",
			PromptTemplate: `[{"role":"system","content":"{summary}"},{"role":"assistant","content":"{description}"},{"role":"user","content":"{query}"}]`,
		}},
		Personas: []persona.Persona{
			{ID: 1, Name: "Ada", Tags: "UK-Adults,pilot", Gender: "Female", BirthDate: date(1990, time.January, 10), Location: "North London", Occupation: "Engineer", Narrative: "Loves hiking."},
			{ID: 2, Name: "Ben", Tags: "uk-adults", Gender: "Male", BirthDate: date(1960, time.May, 1), Location: "Leeds", Occupation: "Teacher"},
			{ID: 3, Name: "Cy", Tags: "us-adults", Gender: "Female", BirthDate: date(2001, time.July, 7), Location: "Boston", Occupation: "Student"},
			{ID: 4, Name: "Di", Tags: "uk-adults", Gender: "Non-binary", BirthDate: date(1985, time.March, 3), Location: "london", Occupation: "100% remote"},
		},
		Surveys: []Survey{{
			ID: 10, UserID: 7, ProjectID: 3, Name: "Coffee", Description: "Coffee habits", Context: "Winter",
			Questions: []Question{
				{ID: 101, Position: 2, Name: "q2", Text: "Rate coffee", Schema: "ScaleSchema"},
				{ID: 100, Position: 1, Name: "q1", Text: "Do you drink coffee?", Schema: "YesNoSchema"},
			},
		}},
		Projects:      []Project{{ID: 3, UserID: 7, Name: "Beverages"}},
		Subscriptions: []Subscription{{ID: 1, UserID: 7, MaxProjects: 1, MaxRespondentsPerSurvey: 3, RemainingInteractions: 10}},
		Runs:          []Run{{ID: 50, UserID: 7, ProjectID: 3, SurveyID: 10, PopulationTag: "uk-adults", Respondents: 2}},
	}
}

func seededStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	stats, err := s.Import(context.Background(), seedDataset())
	require.NoError(t, err)
	require.Equal(t, ImportStats{Populations: 1, Personas: 4, Surveys: 1, Projects: 1, Subscriptions: 1, Runs: 1}, stats)
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "survey.db")
	cfg := config.StoreConfig{Driver: config.StoreDriverSQLite, Path: path}

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, latestSchemaVersion(), v)
	assert.Equal(t, config.StoreDriverSQLite, s.Driver())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestDialectRebindAndWhere(t *testing.T) {
	pg := dialect{name: config.StoreDriverPostgres}
	assert.Equal(t, "a = $1 AND b IN ($2,$3)", pg.rebind("a = ? AND b IN (?,?)"))
	assert.Equal(t, "a = ?", dialect{name: config.StoreDriverSQLite}.rebind("a = ?"))

	pred := persona.NewPredicate(
		persona.Clause{Field: persona.FieldGender, Op: persona.OpIn, Values: []string{"Female", "Male"}},
		persona.Clause{Field: persona.FieldLocation, Op: persona.OpContainsFold, Values: []string{"50%_off"}},
		persona.Clause{Field: persona.FieldBirthDate, Op: persona.OpDateBetween, From: date(1950, 1, 1), To: date(2000, 12, 31)},
	)
	cond, args, err := pg.where(pred)
	require.NoError(t, err)
	assert.Equal(t, `gender IN (?,?) AND (location ILIKE ? ESCAPE '\') AND birth_date BETWEEN ? AND ?`, cond)
	assert.Equal(t, []any{"Female", "Male", `%50\%\_off%`, "1950-01-01", "2000-12-31"}, args)

	cond, args, err = pg.where(persona.Predicate{})
	require.NoError(t, err)
	assert.Equal(t, "1=1", cond)
	assert.Empty(t, args)

	_, _, err = pg.where(persona.NewPredicate(persona.Clause{Field: "password", Op: persona.OpIn, Values: []string{"x"}}))
	assert.Error(t, err)
}

func TestPersonaQueriesAgreeWithInMemoryMatch(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	all, err := s.ListPersonas(ctx, persona.Predicate{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)

	ageMin, ageMax := 30, 50
	specs := map[string]persona.FilterSpec{
		"empty":      {},
		"gender":     {Gender: []string{"Female"}},
		"age":        {AgeMin: &ageMin, AgeMax: &ageMax},
		"location":   {Location: []string{"LONDON"}},
		"occupation": {Occupation: []string{"100% remote", "Teacher"}},
		"any":        {Gender: []string{"Any"}},
	}
	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			pred := persona.Compile(persona.BasePredicate("uk-adults"), spec, testNow)

			var want []int64
			for _, p := range all {
				if pred.Match(p) {
					want = append(want, p.ID)
				}
			}

			ids, err := s.PersonaIDs(ctx, pred, 0)
			require.NoError(t, err)
			assert.Equal(t, want, ids)

			n, err := s.CountPersonas(ctx, pred)
			require.NoError(t, err)
			assert.Equal(t, len(want), n)
		})
	}
}

func TestListPersonasLimitAndRoundTrip(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	got, err := s.ListPersonas(ctx, persona.BasePredicate("uk-adults"), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, date(1990, time.January, 10), got[0].BirthDate)
	assert.Equal(t, "Loves hiking.", got[0].Narrative)

	byID, err := s.GetPersonas(ctx, []int64{4, 99, 1})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, int64(4), byID[0].ID)
	assert.Equal(t, int64(1), byID[1].ID)
}

func TestChunks(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	missing, err := s.PersonasWithoutChunks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, missing, 4)

	require.NoError(t, s.SaveChunks(ctx, 1, "nv", []embedding.Chunk{
		{Field: embedding.FieldNarrative, Index: 0, Content: "a", Vector: []float32{1, 0}},
		{Field: embedding.FieldTypicalDay, Index: 0, Content: "b", Vector: []float32{0, 1}},
	}))
	require.NoError(t, s.SaveChunks(ctx, 2, "nv", nil))

	missing, err = s.PersonasWithoutChunks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, int64(3), missing[0].ID)

	vectors, err := s.ChunkVectors(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64][][]float32{1: {{1, 0}, {0, 1}}}, vectors)

	// re-importing a persona invalidates its embeddings
	p := seedDataset().Personas[0]
	p.Narrative = "Changed."
	_, err = s.UpsertPersona(ctx, p)
	require.NoError(t, err)
	vectors, err = s.ChunkVectors(ctx, []int64{1})
	require.NoError(t, err)
	assert.Empty(t, vectors)

	assert.ErrorIs(t, s.SaveChunks(ctx, 404, "nv", nil), ErrNotFound)
}

func TestGetSurveyAndPopulation(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	sv, err := s.GetSurvey(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Coffee habits", sv.Description)
	require.Len(t, sv.Questions, 2)
	assert.Equal(t, int64(100), sv.Questions[0].ID)
	assert.Equal(t, "YesNoSchema", sv.Questions[0].Schema)

	_, err = s.GetSurvey(ctx, 11)
	assert.ErrorIs(t, err, ErrNotFound)

	pop, err := s.PopulationByTag(ctx, "uk-adults")
	require.NoError(t, err)
	assert.Contains(t, pop.PromptTemplate, "{summary}")

	_, err = s.PopulationByTag(ctx, "mars")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckAndReserve(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		mutate    func(ds *Dataset)
		res       quota.Reservation
		wantErr   error
		remaining int64
	}{
		{"ok deducts", nil, quota.Reservation{UserID: 7, Respondents: 3, Units: 6}, nil, 4},
		{"exact credits", nil, quota.Reservation{UserID: 7, Respondents: 1, Units: 10}, nil, 0},
		{"no subscription", nil, quota.Reservation{UserID: 8, Respondents: 1, Units: 1}, quota.ErrNoSubscription, -1},
		{"inactive subscription", func(ds *Dataset) { ds.Subscriptions[0].Status = "cancelled" }, quota.Reservation{UserID: 7, Units: 1}, quota.ErrNoSubscription, -1},
		{"expired subscription", func(ds *Dataset) { ds.Subscriptions[0].ExpiresAt = testNow.Add(-time.Hour) }, quota.Reservation{UserID: 7, Units: 1}, quota.ErrNoSubscription, -1},
		{"project limit", func(ds *Dataset) {
			ds.Projects = append(ds.Projects, Project{ID: 4, UserID: 7, Name: "Second"})
		}, quota.Reservation{UserID: 7, Respondents: 1, Units: 1}, quota.ErrProjectLimit, 10},
		{"respondent limit", nil, quota.Reservation{UserID: 7, Respondents: 4, Units: 4}, quota.ErrRespondentLimit, 10},
		{"insufficient credits", nil, quota.Reservation{UserID: 7, Respondents: 3, Units: 11}, quota.ErrInsufficientCredits, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ds := seedDataset()
			if tt.mutate != nil {
				tt.mutate(&ds)
			}
			_, err := s.Import(ctx, ds)
			require.NoError(t, err)

			err = s.CheckAndReserve(ctx, tt.res)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
			} else {
				require.NoError(t, err)
			}
			if tt.remaining >= 0 {
				left, err := s.RemainingInteractions(ctx, 7)
				require.NoError(t, err)
				assert.Equal(t, tt.remaining, left)
			}
		})
	}
}

func TestCheckAndReserveConcurrentNeverOverdraws(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CheckAndReserve(ctx, quota.Reservation{UserID: 7, Respondents: 1, Units: 3}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	left, err := s.RemainingInteractions(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestRelease(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	require.NoError(t, s.CheckAndReserve(ctx, quota.Reservation{UserID: 7, Respondents: 1, Units: 6}))
	require.NoError(t, s.Release(ctx, 7, 6))
	require.NoError(t, s.Release(ctx, 7, 0))

	left, err := s.RemainingInteractions(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(10), left)
	assert.ErrorIs(t, s.Release(ctx, 8, 1), quota.ErrNoSubscription)
}

func TestRunLifecycle(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	run, err := s.GetRun(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, RunNotStarted, run.State)
	assert.Zero(t, run.Attempt)

	attempt, err := s.MarkRunning(ctx, 50, 4, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	require.NoError(t, s.CleanupRun(ctx, 50))
	require.NoError(t, s.CleanupRun(ctx, 50))

	err = s.CollectRun(ctx, CollectInput{
		RunID:   50,
		Attempt: 1,
		Interactions: []Interaction{
			{PersonaID: 1, QuestionID: 100, QuestionText: "Do you drink coffee?", AnswerText: `{"answer":"yes"}`, Cost: 12},
			{PersonaID: 2, QuestionID: 100, QuestionText: "Do you drink coffee?", AnswerText: `{"answer":"no"}`, Cost: 9},
		},
		FailedUnits: 2,
		State:       RunCompletedWithErrors,
		CompletedAt: testNow.Add(time.Minute),
	})
	require.NoError(t, err)

	run, err = s.GetRun(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, RunCompletedWithErrors, run.State)
	assert.Equal(t, 2, run.FailedUnits)
	assert.Equal(t, 4, run.TotalUnits)
	assert.Equal(t, testNow, run.StartedAt)
	assert.Equal(t, testNow.Add(time.Minute), run.CompletedAt)

	rows, err := s.Interactions(ctx, 50)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `{"answer":"yes"}`, rows[0].AnswerText)
	assert.Equal(t, 1, rows[0].Attempt)

	// a finished run no longer accepts a join for the same attempt
	err = s.CollectRun(ctx, CollectInput{RunID: 50, Attempt: 1, State: RunComplete, CompletedAt: testNow})
	assert.ErrorIs(t, err, ErrStaleAttempt)

	_, err = s.MarkRunning(ctx, 404, 1, testNow)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectRunRejectsSupersededAttempt(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	_, err := s.MarkRunning(ctx, 50, 2, testNow)
	require.NoError(t, err)
	second, err := s.MarkRunning(ctx, 50, 2, testNow)
	require.NoError(t, err)
	require.Equal(t, 2, second)

	err = s.CollectRun(ctx, CollectInput{
		RunID: 50, Attempt: 1, State: RunComplete, CompletedAt: testNow,
		Interactions: []Interaction{{PersonaID: 1, QuestionID: 100, AnswerText: "x"}},
	})
	assert.ErrorIs(t, err, ErrStaleAttempt)

	rows, err := s.Interactions(ctx, 50)
	require.NoError(t, err)
	assert.Empty(t, rows)
	run, err := s.GetRun(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, run.State)
}

func TestCollectRunRollsBackOnError(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	_, err := s.MarkRunning(ctx, 50, 1, testNow)
	require.NoError(t, err)

	// Break the interactions insert so the transaction fails after the run row is read.
	_, err = s.db.Exec(`ALTER TABLE interactions RENAME COLUMN answer_text TO answer_blob`)
	require.NoError(t, err)

	err = s.CollectRun(ctx, CollectInput{
		RunID: 50, Attempt: 1, State: RunComplete, CompletedAt: testNow,
		Interactions: []Interaction{{PersonaID: 1, QuestionID: 100, AnswerText: "x"}},
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStaleAttempt))

	run, err := s.GetRun(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, run.State)
	assert.Zero(t, run.CompletedAt)
}

func TestStalledRuns(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	fresh, err := s.CreateRun(ctx, Run{UserID: 7, ProjectID: 3, SurveyID: 10, PopulationTag: "uk-adults", Respondents: 1})
	require.NoError(t, err)

	_, err = s.MarkRunning(ctx, 50, 2, testNow.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = s.MarkRunning(ctx, fresh, 2, testNow.Add(-time.Minute))
	require.NoError(t, err)

	stalled, err := s.StalledRuns(ctx, testNow.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, int64(50), stalled[0].ID)
}

func TestSQLCounters(t *testing.T) {
	s := newTestStore(t)
	c := s.Counters()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := c.Incr(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = c.Incr(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, c.Set(ctx, "k", 0))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, v)
}

func TestDecodeDataset(t *testing.T) {
	ds, err := DecodeDataset(strings.NewReader(`{
		"populations": [{"tag": "p", "promptTemplate": "[]"}],
		"personas": [{"id": 1, "gender": "Female", "birthDate": "1990-01-10T00:00:00Z"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, date(1990, time.January, 10), ds.Personas[0].BirthDate)

	_, err = DecodeDataset(strings.NewReader(`{"people": []}`))
	assert.Error(t, err)
}
