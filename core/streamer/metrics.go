package streamer

import (
	"errors"

	"github.com/codewandler/streamr/core/metrics"
)

// Failure kinds reported to Metrics.Failure.
const (
	FailureNoDestination  = "no_destination"
	FailureRetryExhausted = "retry_exhausted"
	FailureTransport      = "transport"
	FailureCancelled      = "cancelled"
)

// Metrics defines the instrumentation of a streamer. All methods are
// thread-safe.
type Metrics interface {
	// Intake
	EntriesAdded(cache string, n int)
	BackpressureWait(cache string) metrics.Timer
	Outstanding(cache string, copies int)

	// Sending; outcome is acknowledged or failed
	BatchSendDuration(cache string) metrics.Timer
	BatchCompleted(cache string, outcome string, entries int)
	BatchRetried(cache string)
	Failure(cache string, kind string)

	FlushDuration(cache string) metrics.Timer
}

type nopMetrics struct{}

func (nopMetrics) EntriesAdded(string, int)               {}
func (nopMetrics) BackpressureWait(string) metrics.Timer  { return metrics.NopTimer() }
func (nopMetrics) Outstanding(string, int)                {}
func (nopMetrics) BatchSendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) BatchCompleted(string, string, int)     {}
func (nopMetrics) BatchRetried(string)                    {}
func (nopMetrics) Failure(string, string)                 {}
func (nopMetrics) FlushDuration(string) metrics.Timer     { return metrics.NopTimer() }

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }

func failureKind(err error) string {
	switch err.(type) {
	case *NoDestinationError:
		return FailureNoDestination
	case *RetryExhaustedError:
		return FailureRetryExhausted
	}
	if errors.Is(err, ErrCancelled) {
		return FailureCancelled
	}
	return FailureTransport
}
