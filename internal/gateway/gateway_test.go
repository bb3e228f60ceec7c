package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/personasurvey/internal/answer"
	"github.com/stellarlinkco/personasurvey/internal/config"
	"github.com/stellarlinkco/personasurvey/internal/cron"
	"github.com/stellarlinkco/personasurvey/internal/llm"
	"github.com/stellarlinkco/personasurvey/internal/persona"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

// answeringModel replies to every prompt through the offered tool.
type answeringModel struct{}

func (answeringModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	tool := req.Tools[0].Name
	args := map[string]any{"answer": "yes"}
	if strings.Contains(tool, "scale") {
		args = map[string]any{"rating": 4}
	}
	return &model.Response{
		Message: model.Message{Role: "assistant", ToolCalls: []model.ToolCall{{ID: "c1", Name: tool, Arguments: args}}},
		Usage:   model.Usage{TotalTokens: 12},
	}, nil
}

func (m answeringModel) CompleteStream(ctx context.Context, req model.Request, cb model.StreamHandler) error {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return err
	}
	return cb(model.StreamResult{Final: true, Response: resp})
}

func answeringFactory(context.Context, llm.ModelConfig) (model.Model, error) {
	return answeringModel{}, nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "survey.db")
	cfg.Counters.Driver = config.CounterDriverSQL
	cfg.Queue.Workers = 2
	cfg.Queue.BackoffInitial = "1ms"
	cfg.Queue.BackoffMax = "5ms"
	cfg.Queue.RatePerMinute = 0
	return cfg
}

const template = `[
	{"role": "system", "content": "You are:\n{summary}"},
	{"role": "assistant", "content": "{description}"},
	{"role": "user", "content": "{query}"}
]`

func dataset() store.Dataset {
	p := func(id int64, name string) persona.Persona {
		return persona.Persona{
			ID: id, Name: name, Tags: "uk-adults", Gender: "Female",
			BirthDate: time.Date(1985, time.May, 2, 0, 0, 0, 0, time.UTC),
			Location:  "Bristol", OceanProfile: "33333",
		}
	}
	return store.Dataset{
		Populations: []store.Population{{Tag: "uk-adults", Name: "UK adults", PromptTemplate: template}},
		Personas:    []persona.Persona{p(1, "Ada"), p(2, "Bea"), p(3, "Cat")},
		Surveys: []store.Survey{{ID: 10, UserID: 7, ProjectID: 3, Name: "Tea", Description: "About tea.",
			Questions: []store.Question{
				{ID: 100, Position: 1, Text: "Do you drink tea?", Schema: string(answer.YesNo)},
				{ID: 101, Position: 2, Text: "Rate your kettle.", Schema: string(answer.Scale)},
			}}},
		Projects:      []store.Project{{ID: 3, UserID: 7, Name: "Drinks"}},
		Subscriptions: []store.Subscription{{ID: 1, UserID: 7, MaxProjects: 1, MaxRespondentsPerSurvey: 5, RemainingInteractions: 50}},
		Runs:          []store.Run{{ID: 50, UserID: 7, ProjectID: 3, SurveyID: 10, PopulationTag: "uk-adults", Respondents: 3}},
	}
}

func TestGateway_RunServesSurveyEndToEnd(t *testing.T) {
	ctx := context.Background()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	notes := &recorder{}
	sigCh := make(chan os.Signal, 1)

	g, err := NewWithOptions(ctx, testConfig(t), Options{
		ModelFactory: answeringFactory,
		Notifier:     notes,
		Listener:     ln,
		SignalChan:   sigCh,
	})
	require.NoError(t, err)
	_, err = g.Store().Import(ctx, dataset())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()
	base := "http://" + ln.Addr().String()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(base+"/runs/50/start", "application/json", strings.NewReader(`{"filter": {"location": ["bristol"]}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/runs/50")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var run store.Run
		if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
			return false
		}
		return run.State == store.RunComplete
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/runs/50/interactions")
	require.NoError(t, err)
	var rows []store.Interaction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	resp.Body.Close()
	require.Len(t, rows, 6)
	assert.Equal(t, 12, rows[0].Cost)

	resp, err = http.Get(base + "/runs/50/progress")
	require.NoError(t, err)
	var prog map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prog))
	resp.Body.Close()
	assert.Equal(t, float64(100), prog["percent"])

	remaining, err := g.Store().RemainingInteractions(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(44), remaining)

	result, err := g.Cron().RunNow(ctx, cron.SweepJobName)
	require.NoError(t, err)
	assert.Equal(t, "0 stalled runs", result)

	sigCh <- syscall.SIGTERM
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	msgs := notes.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Survey run 50")
}

func TestGateway_RedisCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Counters = config.CounterConfig{Driver: config.CounterDriverRedis, RedisAddr: mr.Addr()}

	g, err := NewWithOptions(context.Background(), cfg, Options{ModelFactory: answeringFactory, Notifier: &recorder{}})
	require.NoError(t, err)
	defer g.Shutdown(context.Background())

	require.NoError(t, g.Tracker().Start(context.Background(), 9, 1, 4))
	v, err := mr.Get("personasurvey:survey_total_tasks_9_1")
	require.NoError(t, err)
	assert.Equal(t, "4", v)
}

func TestGateway_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Counters = config.CounterConfig{Driver: config.CounterDriverRedis, RedisAddr: "127.0.0.1:1"}

	_, err := NewWithOptions(context.Background(), cfg, Options{Notifier: &recorder{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}

func TestGateway_TelegramMisconfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Telegram = config.TelegramConfig{Enabled: true}

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}

func TestGateway_SweeperDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweeper.Enabled = false

	g, err := NewWithOptions(context.Background(), cfg, Options{Notifier: &recorder{}})
	require.NoError(t, err)
	defer g.Shutdown(context.Background())
	assert.Empty(t, g.Cron().Jobs())
	assert.NotNil(t, g.Embedder())
}

func TestGateway_ShutdownTwice(t *testing.T) {
	g, err := NewWithOptions(context.Background(), testConfig(t), Options{Notifier: &recorder{}})
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	require.NoError(t, g.Shutdown(context.Background()))
	require.NoError(t, g.Shutdown(context.Background()))
}
