// Package metrics exposes this control plane's Prometheus collectors (C9):
// HTTP request instrumentation plus the domain counters a capacity-planning
// dashboard needs (predictions served, cache hit rate, job throughput).
// Adapted from the teacher's internal/app/metrics package — same registry
// and InstrumentHandler shape, with the function/automation/CCIP counters
// replaced by prediction/cache/job counters for this domain.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every application-specific Prometheus collector.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelserve",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelserve",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelserve",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	predictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelserve",
		Subsystem: "predictions",
		Name:      "total",
		Help:      "Total number of synchronous predictions served.",
	}, []string{"model_id", "cache_status"})

	predictionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelserve",
		Subsystem: "predictions",
		Name:      "inference_duration_seconds",
		Help:      "Engine/cache-resolved inference duration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"model_id", "cache_status"})

	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelserve",
		Subsystem: "resultcache",
		Name:      "lookups_total",
		Help:      "Total result cache lookups by outcome.",
	}, []string{"outcome"})

	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelserve",
		Subsystem: "jobs",
		Name:      "total",
		Help:      "Total number of async jobs by terminal state.",
	}, []string{"state"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelserve",
		Subsystem: "jobs",
		Name:      "run_duration_seconds",
		Help:      "Duration of job execution (queue-to-terminal).",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"state"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelserve",
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Most recently observed broker queue depth.",
	})

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		predictionsTotal,
		predictionDuration,
		cacheHits,
		jobsTotal,
		jobDuration,
		queueDepth,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP request metrics, skipping /metrics
// itself to avoid the endpoint instrumenting its own scrape.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordPrediction records a completed synchronous prediction.
func RecordPrediction(modelID, cacheStatus string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	predictionsTotal.WithLabelValues(modelID, cacheStatus).Inc()
	predictionDuration.WithLabelValues(modelID, cacheStatus).Observe(duration.Seconds())
}

// RecordCacheLookup records a result cache hit or miss.
func RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheHits.WithLabelValues(outcome).Inc()
}

// RecordJobTerminal records a job reaching a terminal state.
func RecordJobTerminal(state string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	jobsTotal.WithLabelValues(state).Inc()
	jobDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// SetQueueDepth records the broker's most recently observed queue depth.
func SetQueueDepth(depth float64) {
	queueDepth.Set(depth)
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core.ObservationHooks backed by a per-(namespace,
// subsystem, name) Prometheus gauge+histogram pair, cached in
// observationCollectors so repeated calls with the same key share collectors
// instead of re-registering (which would panic the registry).
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_in_flight",
		Help:      "Current operations in flight for " + subsystem,
	}, []string{"op"})
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_duration_seconds",
		Help:      "Duration of operations for " + subsystem,
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"op", "status"})
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if op, ok := meta["op"]; ok && op != "" {
		return op
	}
	return "unknown"
}

// CatalogHooks instruments the model catalog's operations.
func CatalogHooks() core.ObservationHooks { return ObservationHooks("modelserve", "catalog", "ops") }

// OrchestratorHooks instruments the prediction orchestrator's operations.
func OrchestratorHooks() core.ObservationHooks {
	return ObservationHooks("modelserve", "orchestrator", "ops")
}

// JobEngineHooks instruments the job engine's operations.
func JobEngineHooks() core.ObservationHooks { return ObservationHooks("modelserve", "jobengine", "ops") }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path-parameterized routes ("/models/abc123") into
// a low-cardinality label ("/models/:id") so the requests_total counter
// doesn't grow one series per distinct model/job id.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "models", "jobs":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		if len(parts) == 2 {
			return "/" + parts[0] + "/:id"
		}
		return "/" + parts[0] + "/:id/" + strings.Join(parts[2:], "/")
	default:
		return "/" + parts[0]
	}
}
