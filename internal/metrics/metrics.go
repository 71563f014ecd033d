// Package metrics holds the Prometheus collectors of the telemetry worker.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "water_telemetry_"

var (
	registerOnce sync.Once

	ingestRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "ingest_requests_total",
			Help: "Ingest requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)
	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "jobs_total",
			Help: "Processed jobs by resulting state",
		},
		[]string{"state"},
	)
	decoderRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "decoder_runs_total",
			Help: "Decode executions by outcome",
		},
		[]string{"outcome"},
	)
	flushLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "flush_duration_seconds",
			Help:    "Batch flush duration by result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	flushedReadings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "flushed_readings_total",
			Help: "Readings persisted by batch flushes",
		},
	)
	droppedReadings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "dropped_readings_total",
			Help: "Readings the store refused and that were dropped from the batch",
		},
	)
	pendingReadings = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "pending_readings",
			Help: "Readings buffered and not yet flushed",
		},
	)
	alarmsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "alarms_raised_total",
			Help: "Alarms raised by type",
		},
		[]string{"type"},
	)
	realtimeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "realtime_publish_failures_total",
			Help: "Tenant realtime events that could not be published",
		},
	)
)

// Register adds all collectors to reg once
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			ingestRequests,
			jobOutcomes,
			decoderRuns,
			flushLatency,
			flushedReadings,
			droppedReadings,
			pendingReadings,
			alarmsRaised,
			realtimeFailures,
		)
	})
}

// IngestRequest counts one ingest call
func IngestRequest(endpoint, result string) {
	ingestRequests.WithLabelValues(endpoint, result).Inc()
}

// JobOutcome counts a job reaching state
func JobOutcome(state string) {
	jobOutcomes.WithLabelValues(state).Inc()
}

// DecoderRun counts one decode by outcome
func DecoderRun(outcome string) {
	decoderRuns.WithLabelValues(outcome).Inc()
}

// ObserveFlush records a flush attempt of size readings
func ObserveFlush(d time.Duration, size int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	flushLatency.WithLabelValues(result).Observe(d.Seconds())
	if err == nil {
		flushedReadings.Add(float64(size))
	}
}

// ReadingDropped counts a reading the store refused
func ReadingDropped() {
	droppedReadings.Inc()
}

// SetPending sets the number of buffered readings
func SetPending(n int) {
	pendingReadings.Set(float64(n))
}

// AlarmRaised counts an alarm of the given type
func AlarmRaised(alarmType string) {
	alarmsRaised.WithLabelValues(alarmType).Inc()
}

// RealtimePublishFailed counts a failed tenant event
func RealtimePublishFailed() {
	realtimeFailures.Inc()
}
