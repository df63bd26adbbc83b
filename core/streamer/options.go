package streamer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/codewandler/streamr/core/cluster"
)

// Durability decides when an entry written to several owners (a partition
// in the middle of a rebalance, or backups) counts as applied.
type Durability int

const (
	// DurabilityAll requires every owner copy to be acknowledged.
	DurabilityAll Durability = iota
	// DurabilityAny is satisfied by one acknowledged copy.
	DurabilityAny
)

func (d Durability) String() string {
	switch d {
	case DurabilityAll:
		return "all"
	case DurabilityAny:
		return "any"
	default:
		return fmt.Sprintf("durability(%d)", int(d))
	}
}

const (
	DefaultBatchSize          = 512
	DefaultPerNodeParallelism = 4
	DefaultHighWaterMark      = 64 * 1024
	DefaultRetryLimit         = 3
	DefaultRetryBackoff       = 10 * time.Millisecond
	DefaultSendTimeout        = 30 * time.Second
	DefaultWorkers            = 64
)

type Options struct {
	// Cache is the target cache. Required.
	Cache string
	// Router resolves keys to owner nodes. Required.
	Router cluster.Router
	// Transport delivers batches. Required.
	Transport cluster.Transport
	// Events, if set, lets the streamer re-route sends in flight to a node
	// that leaves instead of waiting for SendTimeout.
	Events cluster.Events

	Log     *slog.Logger
	Metrics Metrics
	Clock   clockwork.Clock

	// BatchSize is the max number of entries per batch.
	BatchSize int
	// PerNodeParallelism is the max number of in-flight batches per node.
	PerNodeParallelism int
	// HighWaterMark is the number of outstanding entry copies (buffered and
	// in flight) at which Add starts blocking. LowWaterMark is where it
	// resumes; default max(1, HighWaterMark/2).
	HighWaterMark int
	LowWaterMark  int
	// RetryLimit is the max number of re-route attempts per batch. Zero uses
	// the default, negative disables retries.
	RetryLimit int
	// RetryBackoff is the initial wait before a re-route. Negative disables
	// the wait.
	RetryBackoff time.Duration
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
	// AutoFlushInterval, when positive, periodically sends every non-empty
	// buffer without waiting for it to fill.
	AutoFlushInterval time.Duration
	Durability        Durability
	// Workers bounds the number of concurrent sends across all nodes.
	Workers int
}

func (o Options) withDefaults() (Options, error) {
	if o.Cache == "" {
		return o, fmt.Errorf("streamer: Options.Cache is required")
	}
	if o.Router == nil {
		return o, fmt.Errorf("streamer: Options.Router is required")
	}
	if o.Transport == nil {
		return o, fmt.Errorf("streamer: Options.Transport is required")
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.PerNodeParallelism == 0 {
		o.PerNodeParallelism = DefaultPerNodeParallelism
	}
	if o.HighWaterMark == 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.LowWaterMark == 0 {
		o.LowWaterMark = max(1, o.HighWaterMark/2)
	}
	switch {
	case o.RetryLimit == 0:
		o.RetryLimit = DefaultRetryLimit
	case o.RetryLimit < 0:
		o.RetryLimit = 0
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.Workers == 0 {
		o.Workers = DefaultWorkers
	}

	switch {
	case o.BatchSize < 0:
		return o, fmt.Errorf("streamer: Options.BatchSize must be > 0")
	case o.PerNodeParallelism < 0:
		return o, fmt.Errorf("streamer: Options.PerNodeParallelism must be > 0")
	case o.HighWaterMark < 0:
		return o, fmt.Errorf("streamer: Options.HighWaterMark must be > 0")
	case o.LowWaterMark <= 0 || o.LowWaterMark > o.HighWaterMark:
		return o, fmt.Errorf("streamer: Options.LowWaterMark must be in (0, HighWaterMark]")
	case o.SendTimeout < 0:
		return o, fmt.Errorf("streamer: Options.SendTimeout must be > 0")
	case o.AutoFlushInterval < 0:
		return o, fmt.Errorf("streamer: Options.AutoFlushInterval must be >= 0")
	case o.Workers < 0:
		return o, fmt.Errorf("streamer: Options.Workers must be > 0")
	case o.Durability != DurabilityAll && o.Durability != DurabilityAny:
		return o, fmt.Errorf("streamer: unknown durability %s", o.Durability)
	}
	return o, nil
}
