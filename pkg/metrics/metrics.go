// Package metrics holds the Prometheus collectors shared by the pipeline components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SnapshotsDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bondingx_ingest_snapshots_total", Help: "Account snapshots decoded and emitted"},
	)
	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bondingx_ingest_decode_errors_total", Help: "Upstream events dropped because they failed to decode"},
		[]string{"reason"},
	)
	UpstreamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bondingx_ingest_events_total", Help: "Upstream events received"},
		[]string{"kind"},
	)
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bondingx_ingest_reconnects_total", Help: "Upstream stream re-subscriptions"},
	)
	RecordsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bondingx_writer_records_total", Help: "Delta records persisted"},
	)
	WriteRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bondingx_writer_retries_total", Help: "Failed batch write attempts that were retried"},
	)
	DroppedBatches = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bondingx_writer_dropped_batches_total", Help: "Batches dropped after exhausting write attempts"},
	)
	DroppedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bondingx_writer_dropped_records_total", Help: "Records inside dropped batches"},
	)
	DefaultedFields = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bondingx_writer_defaulted_fields_total", Help: "Delta fields defaulted to zero because the source value was absent or unparseable"},
		[]string{"field"},
	)
	WriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "bondingx_writer_write_duration_seconds", Help: "Backend batch write latency", Buckets: prometheus.DefBuckets},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bondingx_live_sessions", Help: "Open live subscriber sessions"},
	)
	TickFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bondingx_live_tick_failures_total", Help: "Live tick queries that failed"},
	)
	SkippedRows = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bondingx_history_skipped_rows_total", Help: "Backend rows skipped for having too few columns"},
	)
)

func init() {
	prometheus.MustRegister(
		SnapshotsDecoded, DecodeErrors, UpstreamEvents, Reconnects,
		RecordsWritten, WriteRetries, DroppedBatches, DroppedRecords, DefaultedFields, WriteDuration,
		ActiveSessions, TickFailures, SkippedRows,
	)
}
