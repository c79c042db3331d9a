// Package metrics provides Prometheus collectors for import runs and the
// operator HTTP console. All collectors are registered with the default
// registry during package initialization:
//   - import_runs_total: Counter with status label
//   - import_records_persisted_total: Counter with entity label
//   - import_anomalies_total: Counter with severity label
//   - import_stage_duration_seconds: Histogram with stage label
//   - legacy_tables_read_total: Counter with reader and result labels
//   - history_documents_total: Counter with result label
//   - http_request_total / http_request_duration_seconds / http_request_in_flight
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ImportRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_runs_total",
			Help: "Import runs by final status",
		},
		[]string{"status"},
	)

	RecordsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_records_persisted_total",
			Help: "Rows written to the destination store",
		},
		[]string{"entity"},
	)

	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_anomalies_total",
			Help: "Anomalies recorded in the import ledger",
		},
		[]string{"severity"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "import_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	TablesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legacy_tables_read_total",
			Help: "Legacy tables read, by reader and result",
		},
		[]string{"reader", "result"},
	)

	HistoryDocuments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_documents_total",
			Help: "Clinical history files processed, by result",
		},
		[]string{"result"},
	)

	HTTPRequestTotals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 30},
		},
		[]string{"method", "path"},
	)

	HTTPRequestInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_request_in_flight",
			Help: "Current in-flight requests",
		},
	)
)

func init() {
	prometheus.MustRegister(ImportRunsTotal)
	prometheus.MustRegister(RecordsPersisted)
	prometheus.MustRegister(AnomaliesTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(TablesRead)
	prometheus.MustRegister(HistoryDocuments)
	prometheus.MustRegister(HTTPRequestTotals)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestInFlight)
}
