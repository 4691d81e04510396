package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vaultgate/vaultgate/internal/autosave"
	"github.com/vaultgate/vaultgate/internal/config"
)

// Manager defines the interface for metrics management
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, route string, status int, duration time.Duration)

	// Settings server metrics
	RecordSettingsUpdate(batchSize int, outcome string)

	// Autosave engine metrics
	autosave.Recorder

	// Export
	Handler() http.Handler
	Middleware() mux.MiddlewareFunc
}

// Settings update outcomes
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

var allStatuses = []autosave.Status{
	autosave.StatusIdle,
	autosave.StatusPending,
	autosave.StatusSaving,
	autosave.StatusSaved,
	autosave.StatusError,
}

// metricsManager implements Manager on a private Prometheus registry
type metricsManager struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	settingsUpdatesTotal *prometheus.CounterVec
	settingsBatchSize    prometheus.Histogram

	flushesTotal   *prometheus.CounterVec
	flushDuration  prometheus.Histogram
	flushBatchSize prometheus.Histogram
	autosaveStatus *prometheus.GaugeVec
}

// NewManager creates a metrics manager, or a no-op one when disabled
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "vaultgate"
	}

	m := &metricsManager{registry: prometheus.NewRegistry()}
	m.initializeMetrics(namespace)
	return m
}

func (m *metricsManager) initializeMetrics(namespace string) {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.settingsUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settings",
			Name:      "updates_total",
			Help:      "Bulk settings updates by outcome",
		},
		[]string{"outcome"},
	)
	m.settingsBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settings",
			Name:      "update_batch_size",
			Help:      "Number of keys per bulk settings update",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		},
	)

	m.flushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autosave",
			Name:      "flushes_total",
			Help:      "Autosave flushes by result",
		},
		[]string{"result"},
	)
	m.flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "autosave",
			Name:      "flush_duration_seconds",
			Help:      "Round trip time of autosave flushes",
			Buckets:   prometheus.DefBuckets,
		},
	)
	m.flushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "autosave",
			Name:      "flush_batch_size",
			Help:      "Number of keys per autosave flush",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		},
	)
	m.autosaveStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autosave",
			Name:      "status",
			Help:      "1 for the current autosave status, 0 otherwise",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.settingsUpdatesTotal,
		m.settingsBatchSize,
		m.flushesTotal,
		m.flushDuration,
		m.flushBatchSize,
		m.autosaveStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.ObserveStatus(autosave.StatusIdle)
}

func (m *metricsManager) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *metricsManager) RecordSettingsUpdate(batchSize int, outcome string) {
	m.settingsUpdatesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.settingsBatchSize.Observe(float64(batchSize))
	}
}

func (m *metricsManager) ObserveFlush(batchSize int, duration time.Duration, err error) {
	result := OutcomeSuccess
	if err != nil {
		result = OutcomeError
	}
	m.flushesTotal.WithLabelValues(result).Inc()
	m.flushDuration.Observe(duration.Seconds())
	m.flushBatchSize.Observe(float64(batchSize))
}

func (m *metricsManager) ObserveStatus(status autosave.Status) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.autosaveStatus.WithLabelValues(s.String()).Set(v)
	}
}

func (m *metricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware labels requests by mux route template, not raw path
func (m *metricsManager) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if cr := mux.CurrentRoute(r); cr != nil {
				if tpl, err := cr.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.RecordHTTPRequest(r.Method, route, wrapped.statusCode, time.Since(start))
		})
	}
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// noopManager is used when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, route string, status int, duration time.Duration) {}
func (n *noopManager) RecordSettingsUpdate(batchSize int, outcome string)                         {}
func (n *noopManager) ObserveFlush(batchSize int, duration time.Duration, err error)              {}
func (n *noopManager) ObserveStatus(status autosave.Status)                                       {}
func (n *noopManager) Handler() http.Handler                                                      { return http.NotFoundHandler() }
func (n *noopManager) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler { return next }
}
