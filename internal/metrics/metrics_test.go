package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	m.TaskAttempt(OutcomeSucceeded, 250*time.Millisecond)
	m.TaskAttempt(OutcomeSucceeded, time.Second)
	m.TaskAttempt(OutcomeFailed, time.Second)
	m.QueueAdd(3)
	m.QueueAdd(-1)
	m.RunCollected("complete")
	m.CollectError()
	m.SetStalledRuns(2)
	m.AddTokens(120)
	m.AddTokens(-5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues(OutcomeSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsCollected.WithLabelValues("complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.collectErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stalledRuns))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.tokens))
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.RunStarted("dispatched")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `personasurvey_runs_started_total{result="dispatched"} 1`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskAttempt(OutcomeRetried, time.Second)
	m.QueueAdd(1)
	m.RunStarted("x")
	m.RunCollected("x")
	m.CollectError()
	m.SetStalledRuns(1)
	m.AddTokens(1)
	assert.Nil(t, m.Registry())
}
