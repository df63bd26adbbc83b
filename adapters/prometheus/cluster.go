package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/streamr/core/cluster"
	"github.com/codewandler/streamr/core/metrics"
)

// clusterMetrics implements cluster.Metrics using Prometheus.
type clusterMetrics struct {
	topologyVersion prometheus.Gauge
	serverNodes     *prometheus.GaugeVec
	applyDuration   *prometheus.HistogramVec
	batchesApplied  *prometheus.CounterVec
	entriesApplied  *prometheus.CounterVec
}

// NewClusterMetrics creates a new Prometheus implementation of cluster.Metrics.
func NewClusterMetrics(reg prometheus.Registerer) cluster.Metrics {
	m := &clusterMetrics{
		topologyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamr_cluster_topology_version",
			Help: "Current topology version",
		}),

		serverNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamr_cluster_server_nodes",
			Help: "Number of server nodes hosting a cache",
		}, []string{"cache"}),

		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamr_cluster_apply_duration_seconds",
			Help:    "Batch apply time on a server node in seconds",
			Buckets: defaultBuckets,
		}, []string{"node_id"}),

		batchesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamr_cluster_batches_total",
			Help: "Total number of batches received by server nodes",
		}, []string{"node_id", "status"}),

		entriesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamr_cluster_entries_total",
			Help: "Total number of entries received by server nodes",
		}, []string{"node_id", "status"}),
	}

	reg.MustRegister(
		m.topologyVersion,
		m.serverNodes,
		m.applyDuration,
		m.batchesApplied,
		m.entriesApplied,
	)

	return m
}

func (m *clusterMetrics) TopologyVersion(version uint64) {
	m.topologyVersion.Set(float64(version))
}

func (m *clusterMetrics) ServerNodes(cache string, count int) {
	m.serverNodes.WithLabelValues(cache).Set(float64(count))
}

func (m *clusterMetrics) ApplyDuration(nodeID string) metrics.Timer {
	return newTimer(m.applyDuration.WithLabelValues(nodeID))
}

func (m *clusterMetrics) BatchApplied(nodeID string, status string, entries int) {
	m.batchesApplied.WithLabelValues(nodeID, status).Inc()
	m.entriesApplied.WithLabelValues(nodeID, status).Add(float64(entries))
}

var _ cluster.Metrics = (*clusterMetrics)(nil)
