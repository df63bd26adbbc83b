package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/streamr/core/metrics"
	"github.com/codewandler/streamr/core/streamer"
)

// streamerMetrics implements streamer.Metrics using Prometheus.
type streamerMetrics struct {
	entriesAdded     *prometheus.CounterVec
	backpressureWait *prometheus.HistogramVec
	outstanding      *prometheus.GaugeVec
	sendDuration     *prometheus.HistogramVec
	entriesCompleted *prometheus.CounterVec
	batchRetries     *prometheus.CounterVec
	failures         *prometheus.CounterVec
	flushDuration    *prometheus.HistogramVec
}

// NewStreamerMetrics creates a new Prometheus implementation of streamer.Metrics.
func NewStreamerMetrics(reg prometheus.Registerer) streamer.Metrics {
	m := &streamerMetrics{
		entriesAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamr_streamer_entries_added_total",
			Help: "Total number of entries accepted by Add",
		}, []string{"cache"}),

		backpressureWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamr_streamer_backpressure_wait_seconds",
			Help:    "Time Add spent blocked above the high water mark",
			Buckets: defaultBuckets,
		}, []string{"cache"}),

		outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamr_streamer_outstanding_entries",
			Help: "Entry copies buffered or in flight",
		}, []string{"cache"}),

		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamr_streamer_batch_send_duration_seconds",
			Help:    "Latency of a single batch transmission in seconds",
			Buckets: defaultBuckets,
		}, []string{"cache"}),

		entriesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamr_streamer_entries_completed_total",
			Help: "Entry copies that reached a terminal state",
		}, []string{"cache", "outcome"}),

		batchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamr_streamer_batch_retries_total",
			Help: "Total number of batch re-routes",
		}, []string{"cache"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamr_streamer_failures_total",
			Help: "Total number of recorded failures",
		}, []string{"cache", "kind"}),

		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamr_streamer_flush_duration_seconds",
			Help:    "Flush latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"cache"}),
	}

	reg.MustRegister(
		m.entriesAdded,
		m.backpressureWait,
		m.outstanding,
		m.sendDuration,
		m.entriesCompleted,
		m.batchRetries,
		m.failures,
		m.flushDuration,
	)

	return m
}

func (m *streamerMetrics) EntriesAdded(cache string, n int) {
	m.entriesAdded.WithLabelValues(cache).Add(float64(n))
}

func (m *streamerMetrics) BackpressureWait(cache string) metrics.Timer {
	return newTimer(m.backpressureWait.WithLabelValues(cache))
}

func (m *streamerMetrics) Outstanding(cache string, copies int) {
	m.outstanding.WithLabelValues(cache).Set(float64(copies))
}

func (m *streamerMetrics) BatchSendDuration(cache string) metrics.Timer {
	return newTimer(m.sendDuration.WithLabelValues(cache))
}

func (m *streamerMetrics) BatchCompleted(cache string, outcome string, entries int) {
	m.entriesCompleted.WithLabelValues(cache, outcome).Add(float64(entries))
}

func (m *streamerMetrics) BatchRetried(cache string) {
	m.batchRetries.WithLabelValues(cache).Inc()
}

func (m *streamerMetrics) Failure(cache string, kind string) {
	m.failures.WithLabelValues(cache, kind).Inc()
}

func (m *streamerMetrics) FlushDuration(cache string) metrics.Timer {
	return newTimer(m.flushDuration.WithLabelValues(cache))
}

var _ streamer.Metrics = (*streamerMetrics)(nil)
