package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Catalog metrics
	DatasetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_datasets_total",
			Help: "Total number of datasets by status",
		},
		[]string{"status"},
	)

	UsersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_users_total",
			Help: "Total number of user profiles",
		},
	)

	OpenSessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_upload_sessions_open",
			Help: "Number of upload sessions currently open",
		},
	)

	// Ingest metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_uploads_total",
			Help: "Total number of ingest requests by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	BytesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_bytes_ingested_total",
			Help: "Total bytes written into the staging layout",
		},
	)

	ChunksReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_chunks_received_total",
			Help: "Total chunks accepted into upload sessions",
		},
	)

	ChunkHashFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_chunk_hash_failures_total",
			Help: "Total chunks rejected for hash mismatch",
		},
	)

	SessionAssemblyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_session_assembly_duration_seconds",
			Help:    "Time taken to verify and assemble a completed session",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatcher metrics
	ConversionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_conversions_total",
			Help: "Total conversion attempts by sensor and outcome",
		},
		[]string{"sensor", "outcome"},
	)

	ConversionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_conversion_duration_seconds",
			Help:    "Converter subprocess duration in seconds by sensor",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"sensor"},
	)

	SyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_syncs_total",
			Help: "Total remote-source fetches by source type and outcome",
		},
		[]string{"source", "outcome"},
	)

	ClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_claims_total",
			Help: "Total successful dataset claims by workers",
		},
	)

	ClaimsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_claims_lost_total",
			Help: "Total compare-and-set races lost during claim",
		},
	)

	StaleClaimsRescued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_stale_claims_rescued_total",
			Help: "Total abandoned claims (conversion, sync, upload) returned to their queue",
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_auth_failures_total",
			Help: "Total requests rejected by the authentication gate",
		},
	)
)

func init() {
	prometheus.MustRegister(DatasetsTotal)
	prometheus.MustRegister(UsersTotal)
	prometheus.MustRegister(OpenSessionsTotal)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(BytesIngested)
	prometheus.MustRegister(ChunksReceived)
	prometheus.MustRegister(ChunkHashFailures)
	prometheus.MustRegister(SessionAssemblyDuration)
	prometheus.MustRegister(ConversionsTotal)
	prometheus.MustRegister(ConversionDuration)
	prometheus.MustRegister(SyncsTotal)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(ClaimsLost)
	prometheus.MustRegister(StaleClaimsRescued)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(AuthFailuresTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
