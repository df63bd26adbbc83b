// Package prometheus provides Prometheus implementations of the streamer and
// cluster metrics interfaces.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/streamr/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

// AllMetrics holds the Prometheus implementations for a process that runs
// both streamers and (reference) server nodes, like the load generator.
type AllMetrics struct {
	Streamer *streamerMetrics
	Cluster  *clusterMetrics
}

// NewAllMetrics registers every metric on reg.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		Streamer: NewStreamerMetrics(reg).(*streamerMetrics),
		Cluster:  NewClusterMetrics(reg).(*clusterMetrics),
	}
}
