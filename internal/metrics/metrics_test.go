package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsAndExports(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New("vlm-chat", "server")

	done := m.StreamStarted("direct")
	assert.Equal(t, float64(1), gaugeValue(t, m.activeStreams.WithLabelValues("direct")))
	done("done")
	assert.Equal(t, float64(0), gaugeValue(t, m.activeStreams.WithLabelValues("direct")))
	assert.Equal(t, float64(1), counterValue(t, m.generations.WithLabelValues("direct", "done")))

	m.Tokens("content", 3)
	m.Tokens("content", 0)
	m.GuardConflict("http")
	m.QueueTask("dead_letter")
	m.QueueAttempt("retry")
	assert.Equal(t, float64(3), counterValue(t, m.tokens.WithLabelValues("content")))

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/metrics", m.Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "vlm_chat_server_generations_total"))
	assert.True(t, strings.Contains(body, `route="/ping"`))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.StreamStarted("queue")("error")
	m.Tokens("thought", 2)
	m.GuardConflict("ws")
	m.QueueTask("done")
	m.QueueAttempt("ok")
	assert.Nil(t, m.Registry())
}

type writer interface {
	Write(*dto.Metric) error
}

func counterValue(t *testing.T, c writer) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	return out.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g writer) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, g.Write(&out))
	return out.GetGauge().GetValue()
}
