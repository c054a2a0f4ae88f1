package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchSource identifies which side answered an intercepted request.
type FetchSource string

const (
	// SourceCache indicates the response came from the active bucket.
	SourceCache FetchSource = "cache"
	// SourceNetwork indicates the request fell through to the origin.
	SourceNetwork FetchSource = "network"
)

// FetchOutcome captures whether an intercepted request produced a response.
type FetchOutcome string

const (
	FetchOK    FetchOutcome = "ok"
	FetchError FetchOutcome = "error"
)

// LifecycleEvent names a worker lifecycle phase.
type LifecycleEvent string

const (
	EventInstall  LifecycleEvent = "install"
	EventActivate LifecycleEvent = "activate"
)

// LifecycleResult captures how a lifecycle phase ended.
type LifecycleResult string

const (
	ResultSucceeded LifecycleResult = "succeeded"
	ResultFailed    LifecycleResult = "failed"
)

// DeletionResult captures the fate of one stale bucket during a sweep.
type DeletionResult string

const (
	DeletionDeleted DeletionResult = "deleted"
	DeletionFailed  DeletionResult = "failed"
)

// Recorder publishes Prometheus metrics for the asset cache.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	lifecycleEvents  *prometheus.CounterVec
	lifecycleLatency *prometheus.HistogramVec

	bucketDeletions *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assetcache",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by answering source and outcome.",
	}, []string{"source", "outcome"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assetcache",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"source"})

	lifecycleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assetcache",
		Subsystem: "lifecycle",
		Name:      "events_total",
		Help:      "Worker lifecycle phases by result.",
	}, []string{"event", "result"})

	lifecycleLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assetcache",
		Subsystem: "lifecycle",
		Name:      "duration_seconds",
		Help:      "Time spent in each worker lifecycle phase.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"event", "result"})

	bucketDeletions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assetcache",
		Subsystem: "bucket",
		Name:      "deletions_total",
		Help:      "Stale buckets removed or left behind by activation sweeps.",
	}, []string{"result"})

	reg.MustRegister(fetchRequests, fetchLatency, lifecycleEvents, lifecycleLatency, bucketDeletions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		fetchRequests:    fetchRequests,
		fetchLatency:     fetchLatency,
		lifecycleEvents:  lifecycleEvents,
		lifecycleLatency: lifecycleLatency,
		bucketDeletions:  bucketDeletions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records one intercepted request.
func (r *Recorder) ObserveFetch(source FetchSource, outcome FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	sourceLabel := normalizeLabel(string(source))
	r.fetchRequests.WithLabelValues(sourceLabel, normalizeLabel(string(outcome))).Inc()
	r.fetchLatency.WithLabelValues(sourceLabel).Observe(duration.Seconds())
}

// ObserveLifecycle records the end of an install or activate phase.
func (r *Recorder) ObserveLifecycle(event LifecycleEvent, result LifecycleResult, duration time.Duration) {
	if r == nil {
		return
	}
	eventLabel := normalizeLabel(string(event))
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(ResultFailed)
	}
	r.lifecycleEvents.WithLabelValues(eventLabel, resultLabel).Inc()
	r.lifecycleLatency.WithLabelValues(eventLabel, resultLabel).Observe(duration.Seconds())
}

// ObserveBucketDeletion records one stale bucket handled by a sweep.
func (r *Recorder) ObserveBucketDeletion(result DeletionResult) {
	if r == nil {
		return
	}
	r.bucketDeletions.WithLabelValues(normalizeLabel(string(result))).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
