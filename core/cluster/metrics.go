package cluster

import "github.com/codewandler/streamr/core/metrics"

// Metrics defines the instrumentation of the reference cluster (topology and
// server nodes). All methods are thread-safe.
type Metrics interface {
	// Topology
	TopologyVersion(version uint64)
	ServerNodes(cache string, count int)

	// Server nodes; status is one of acknowledged, retryable, fatal, duplicate
	ApplyDuration(nodeID string) metrics.Timer
	BatchApplied(nodeID string, status string, entries int)
}

type nopMetrics struct{}

func (nopMetrics) TopologyVersion(uint64)  {}
func (nopMetrics) ServerNodes(string, int) {}

func (nopMetrics) ApplyDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) BatchApplied(string, string, int)   {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
