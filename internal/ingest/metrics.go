package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingestion pipeline
type Metrics struct {
	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Record metrics
	RecordsFetched *prometheus.CounterVec
	RecordsSaved   *prometheus.CounterVec
	RecordsRoofing *prometheus.CounterVec
	RecordErrors   *prometheus.CounterVec

	// Geocode metrics
	GeocodeLookups *prometheus.CounterVec

	// Sweep metrics
	SweepsTotal     prometheus.Counter
	SourceExhausted *prometheus.CounterVec
	SourceRunning   *prometheus.GaugeVec
	SourceFreshness *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_runs_total",
				Help: "Total number of ingestion runs",
			},
			[]string{"source", "mode", "status"}, // status: ok, failed
		),

		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_run_duration_seconds",
				Help:    "Duration of a single ingestion run",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"source", "mode"},
		),

		RecordsFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_fetched_total",
				Help: "Total records fetched from source portals",
			},
			[]string{"source"},
		),

		RecordsSaved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_saved_total",
				Help: "Total new records persisted (fingerprint not seen before)",
			},
			[]string{"source"},
		),

		RecordsRoofing: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_roofing_total",
				Help: "Total new records the classifier labeled as roofing",
			},
			[]string{"source"},
		),

		RecordErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_record_errors_total",
				Help: "Total per-record failures that were skipped",
			},
			[]string{"source"},
		),

		GeocodeLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_geocode_lookups_total",
				Help: "Total geocode lookups performed during ingestion",
			},
			[]string{"result"}, // result: matched, unmatched, error
		),

		SweepsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_sweeps_total",
				Help: "Total completed sweep passes over all enabled sources",
			},
		),

		SourceExhausted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_source_exhausted_total",
				Help: "Times a source was driven to exhaustion during a sweep",
			},
			[]string{"source"},
		),

		SourceRunning: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_source_running",
				Help: "Whether a run is in flight for the source (1) or not (0)",
			},
			[]string{"source"},
		),

		SourceFreshness: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_source_freshness_seconds",
				Help: "Seconds since the source last completed a successful run",
			},
			[]string{"source"},
		),
	}
}

// RecordRun records the outcome of one ingestion run
func (m *Metrics) RecordRun(source, mode string, ok bool, seconds float64) {
	status := "failed"
	if ok {
		status = "ok"
	}
	m.RunsTotal.WithLabelValues(source, mode, status).Inc()
	m.RunDuration.WithLabelValues(source, mode).Observe(seconds)
}

// RecordGeocode records a geocode lookup outcome
func (m *Metrics) RecordGeocode(matched bool, err error) {
	switch {
	case err != nil:
		m.GeocodeLookups.WithLabelValues("error").Inc()
	case matched:
		m.GeocodeLookups.WithLabelValues("matched").Inc()
	default:
		m.GeocodeLookups.WithLabelValues("unmatched").Inc()
	}
}

// SetRunning flips the in-flight gauge for a source
func (m *Metrics) SetRunning(source string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	m.SourceRunning.WithLabelValues(source).Set(v)
}
