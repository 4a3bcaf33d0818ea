package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Oracle-Delphi/internal/consultation"
	"Oracle-Delphi/internal/ritual"
)

const namespace = "oracle"

// Metrics 持有服务的全部 Prometheus 指标，使用独立的 Registry。
type Metrics struct {
	registry          *prometheus.Registry
	httpRequests      *prometheus.CounterVec
	httpErrors        *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	ritualTransitions *prometheus.CounterVec
	consultations     *prometheus.CounterVec
}

// New 创建并注册指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"handler", "method"}),
		ritualTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ritual_transitions_total",
			Help:      "Ritual state transitions by target state.",
		}, []string{"state", "forced"}),
		consultations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consultations_processed_total",
			Help:      "Queued consultations handled by the processor, by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpErrors,
		m.httpDuration,
		m.ritualTransitions,
		m.consultations,
	)
	return m
}

// Registry 返回底层 Registry，便于注册额外的采集器。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// RitualListener 统计仪式状态迁移。
func (m *Metrics) RitualListener() ritual.Listener {
	return func(e ritual.Event) {
		forced, _ := e.Payload["forced"].(bool)
		m.ritualTransitions.WithLabelValues(string(e.State), strconv.FormatBool(forced)).Inc()
	}
}

// ObserveConsultation 统计异步问询的处理结果。
func (m *Metrics) ObserveConsultation(outcome consultation.Outcome) {
	m.consultations.WithLabelValues(string(outcome)).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
