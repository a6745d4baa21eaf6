// Package metrics exposes Prometheus collectors for generations, the session
// guard, the queue and HTTP traffic. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	namespace string
	subsystem string
	registry  *prometheus.Registry

	generations        *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	tokens             *prometheus.CounterVec
	guardConflicts     *prometheus.CounterVec
	queueTasks         *prometheus.CounterVec
	queueAttempts      *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	activeStreams      *prometheus.GaugeVec
}

func New(namespace, subsystem string) *Metrics {
	m := &Metrics{
		namespace: FmtFixer(namespace),
		subsystem: FmtFixer(subsystem),
		registry:  prometheus.NewRegistry(),
	}
	m.registry.MustRegister(collectors.NewGoCollector())

	m.generations = m.counterVec("generations_total", []string{"mode", "outcome"})
	m.generationDuration = m.histogramVec("generation_duration_seconds", []string{"mode"})
	m.tokens = m.counterVec("tokens_streamed_total", []string{"kind"})
	m.guardConflicts = m.counterVec("guard_conflicts_total", []string{"source"})
	m.queueTasks = m.counterVec("queue_tasks_total", []string{"outcome"})
	m.queueAttempts = m.counterVec("queue_attempts_total", []string{"result"})
	m.httpRequests = m.counterVec("http_requests_total", []string{"method", "route", "status"})
	m.httpDuration = m.histogramVec("http_request_duration_seconds", []string{"method", "route"})
	m.activeStreams = m.gaugeVec("active_streams", []string{"mode"})
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) counterVec(name string, labels []string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      FmtFixer(name),
			Help:      fmt.Sprintf("%s count of /%s/%s", name, m.namespace, m.subsystem),
		},
		labels,
	)
	m.registry.MustRegister(vec)
	return vec
}

func (m *Metrics) histogramVec(name string, labels []string) *prometheus.HistogramVec {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      FmtFixer(name),
			Help:      fmt.Sprintf("%s duration of /%s/%s", name, m.namespace, m.subsystem),
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		labels,
	)
	m.registry.MustRegister(vec)
	return vec
}

func (m *Metrics) gaugeVec(name string, labels []string) *prometheus.GaugeVec {
	vec := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      FmtFixer(name),
			Help:      fmt.Sprintf("%s gauge of /%s/%s", name, m.namespace, m.subsystem),
		},
		labels,
	)
	m.registry.MustRegister(vec)
	return vec
}

// StreamStarted marks one generation as in flight and returns the func that
// records its outcome and duration.
func (m *Metrics) StreamStarted(mode string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.activeStreams.WithLabelValues(mode).Inc()
	return func(outcome string) {
		m.activeStreams.WithLabelValues(mode).Dec()
		m.generations.WithLabelValues(mode, outcome).Inc()
		m.generationDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Tokens(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) GuardConflict(source string) {
	if m == nil {
		return
	}
	m.guardConflicts.WithLabelValues(source).Inc()
}

func (m *Metrics) QueueTask(outcome string) {
	if m == nil {
		return
	}
	m.queueTasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueAttempt(result string) {
	if m == nil {
		return
	}
	m.queueAttempts.WithLabelValues(result).Inc()
}

// Middleware records one sample per HTTP request, labelled by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, fmt.Sprint(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Status(404) }
	}
	h := promhttp.InstrumentMetricHandler(m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func FmtFixer(in string) string {
	return strings.ReplaceAll(strings.ReplaceAll(in, ".", "_"), "-", "_")
}
