package monitor

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Counters(t *testing.T) {
	m := NewMonitor("quizroom")

	m.RoomCreated()
	m.PlayerJoined(true)
	m.PlayerJoined(false)
	m.RoundStarted(false)
	m.RoundStarted(true)
	m.RoundStarted(true)
	m.AnswerSubmitted(true)
	m.AnswerSubmitted(false)
	m.ClaimConflict()
	m.RoundsEnded(3)

	metrics := m.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RoomsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PlayersJoined), "idempotent joins are not counted")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RoundsStarted.WithLabelValues("provider")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RoundsStarted.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Submissions.WithLabelValues("correct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Submissions.WithLabelValues("incorrect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ClaimConflicts))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.RoundsEnded))
}

func TestMonitor_Watchers(t *testing.T) {
	m := NewMonitor("quizroom")
	m.IncWatchers()
	m.IncWatchers()
	m.DecWatchers()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Metrics().Watchers))
}

func TestMonitor_IndependentRegistries(t *testing.T) {
	// 两个实例不应因重复注册而 panic
	assert.NotPanics(t, func() {
		NewMonitor("quizroom")
		NewMonitor("quizroom")
	})
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor("quizroom")
	m.ObserveOperation("submit", 3*time.Millisecond, nil)
	m.ObserveOperation("submit", time.Millisecond, errors.New("boom"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `quizroom_operation_latency_seconds_count{op="submit",outcome="ok"} 1`), body)
	assert.True(t, strings.Contains(body, `quizroom_operation_latency_seconds_count{op="submit",outcome="error"} 1`))
	assert.True(t, strings.Contains(body, "quizroom_operations_total 2"))
	assert.True(t, strings.Contains(body, "quizroom_uptime_seconds"))
}
