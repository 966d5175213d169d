// Package metrics exposes Prometheus counters for the identification and
// enrichment pipeline on a private registry.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsConnections   prometheus.Gauge

	cacheLookupsTotal    *prometheus.CounterVec
	cacheWritesTotal     *prometheus.CounterVec
	validationRejections *prometheus.CounterVec
	enrichmentSources    *prometheus.CounterVec
	enrichmentStates     *prometheus.CounterVec
	enrichmentDuration   prometheus.Histogram
	identificationsTotal *prometheus.CounterVec
	identifyDuration     prometheus.Histogram
	imageFallbacksTotal  *prometheus.CounterVec
	historyWriteFailures prometheus.Counter
}

func New(service string) *Metrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "plantdex",
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total HTTP requests processed.",
			ConstLabels: constLabels,
		},
		[]string{"method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "plantdex",
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"method", "path"},
	)
	wsConnections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "plantdex",
			Subsystem:   "ws",
			Name:        "connections",
			Help:        "Number of open WebSocket connections.",
			ConstLabels: constLabels,
		},
	)
	cacheLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "plantdex",
			Subsystem:   "cache",
			Name:        "lookups_total",
			Help:        "Cache lookups by namespace and result.",
			ConstLabels: constLabels,
		},
		[]string{"namespace", "result"},
	)
	cacheWritesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "plantdex",
			Subsystem:   "cache",
			Name:        "writes_total",
			Help:        "Cache writes by namespace and outcome (ok, recovered, dropped).",
			ConstLabels: constLabels,
		},
		[]string{"namespace", "outcome"},
	)
	validationRejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "plantdex",
			Subsystem:   "validation",
			Name:        "rejections_total",
			Help:        "Rejected enrichment payloads by kind and rule.",
			ConstLabels: constLabels,
		},
		[]string{"kind", "rule"},
	)
	enrichmentSources := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "plantdex",
			Subsystem:   "enrichment",
			Name:        "source_outcomes_total",
			Help:        "Per-source enrichment outcomes.",
			ConstLabels: constLabels,
		},
		[]string{"source", "outcome"},
	)
	enrichmentStates := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "plantdex",
			Subsystem:   "enrichment",
			Name:        "results_total",
			Help:        "Terminal enrichment states.",
			ConstLabels: constLabels,
		},
		[]string{"state"},
	)
	enrichmentDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   "plantdex",
			Subsystem:   "enrichment",
			Name:        "duration_seconds",
			Help:        "Enrichment duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
	)
	identificationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "plantdex",
			Subsystem:   "identification",
			Name:        "requests_total",
			Help:        "Identification calls by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	identifyDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   "plantdex",
			Subsystem:   "identification",
			Name:        "duration_seconds",
			Help:        "Identification call duration in seconds.",
			Buckets:     []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
			ConstLabels: constLabels,
		},
	)
	imageFallbacksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "plantdex",
			Subsystem:   "image",
			Name:        "fallbacks_total",
			Help:        "Image render failures reported by clients, by failed source kind.",
			ConstLabels: constLabels,
		},
		[]string{"source_kind"},
	)
	historyWriteFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   "plantdex",
			Subsystem:   "history",
			Name:        "write_failures_total",
			Help:        "History writes that could not be saved.",
			ConstLabels: constLabels,
		},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		wsConnections,
		cacheLookupsTotal,
		cacheWritesTotal,
		validationRejections,
		enrichmentSources,
		enrichmentStates,
		enrichmentDuration,
		identificationsTotal,
		identifyDuration,
		imageFallbacksTotal,
		historyWriteFailures,
	)

	return &Metrics{
		registry:             registry,
		service:              service,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		wsConnections:        wsConnections,
		cacheLookupsTotal:    cacheLookupsTotal,
		cacheWritesTotal:     cacheWritesTotal,
		validationRejections: validationRejections,
		enrichmentSources:    enrichmentSources,
		enrichmentStates:     enrichmentStates,
		enrichmentDuration:   enrichmentDuration,
		identificationsTotal: identificationsTotal,
		identifyDuration:     identifyDuration,
		imageFallbacksTotal:  imageFallbacksTotal,
		historyWriteFailures: historyWriteFailures,
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(r.Method, path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/uploads/"):
		return "/uploads/{id}"
	case path == "/ws", path == "/health", path == "/metrics", strings.HasPrefix(path, "/api/"):
		return path
	default:
		return "/static"
	}
}

// CacheLookup implements cache.Observer.
func (m *Metrics) CacheLookup(namespace string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(namespace, result).Inc()
}

// CacheWrite implements cache.Observer.
func (m *Metrics) CacheWrite(namespace, outcome string) {
	m.cacheWritesTotal.WithLabelValues(namespace, outcome).Inc()
}

func (m *Metrics) RecordRejection(kind, rule string) {
	if rule == "" {
		rule = "unknown"
	}
	m.validationRejections.WithLabelValues(kind, rule).Inc()
}

func (m *Metrics) RecordSourceOutcome(source, outcome string) {
	m.enrichmentSources.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) RecordEnrichment(state string, duration time.Duration) {
	m.enrichmentStates.WithLabelValues(state).Inc()
	m.enrichmentDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordHistoryWriteFailure() {
	m.historyWriteFailures.Inc()
}

func (m *Metrics) RecordIdentification(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.identificationsTotal.WithLabelValues(outcome).Inc()
	m.identifyDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordImageFallback(sourceKind string) {
	if sourceKind == "" {
		sourceKind = "unknown"
	}
	m.imageFallbacksTotal.WithLabelValues(sourceKind).Inc()
}

func (m *Metrics) ConnectionOpened() { m.wsConnections.Inc() }
func (m *Metrics) ConnectionClosed() { m.wsConnections.Dec() }

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets the WebSocket upgrader take over connections wrapped by the middleware.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
