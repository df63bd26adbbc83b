package cluster

import (
	"context"
)

type Subscription interface {
	Unsubscribe() error
}

// Router maps a key of a cache to the nodes currently responsible for it.
type Router interface {
	// Resolve returns the owners of key, primary first. It fails with
	// ErrTopologyUnavailable when the cache has no server node.
	Resolve(cache, key string) ([]string, error)

	// Version is bumped on every membership change.
	Version() uint64
}

// Transport delivers a batch to a node and reports the outcome.
// SendBatch blocks until the node answered or ctx is done; implementations
// must be safe for concurrent use.
type Transport interface {
	SendBatch(ctx context.Context, node string, b Batch) SendResult
}

type EventType int

const (
	NodeJoined EventType = iota + 1
	NodeLeft
)

func (t EventType) String() string {
	switch t {
	case NodeJoined:
		return "joined"
	case NodeLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Event is a membership change.
type Event struct {
	Type    EventType
	NodeID  string
	Version uint64
}

// Events lets you observe membership changes. Handlers run synchronously on
// the goroutine that changed the topology and must not block.
type Events interface {
	Subscribe(fn func(Event)) Subscription
}
