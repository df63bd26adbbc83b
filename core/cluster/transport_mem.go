package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// InterceptFunc runs before a batch is delivered. When handled is true its
// result is returned instead of delivering the batch. Tests use it to stall
// or fail sends.
type InterceptFunc func(ctx context.Context, node string, b Batch) (res SendResult, handled bool)

// MemoryTransport delivers batches to in-process nodes.
type MemoryTransport struct {
	mu  sync.RWMutex
	log *slog.Logger

	closed    bool
	nodes     map[string]*Node
	intercept InterceptFunc
}

func NewInMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		log:   slog.New(slog.DiscardHandler),
		nodes: make(map[string]*Node),
	}
}

func (t *MemoryTransport) WithLog(log *slog.Logger) *MemoryTransport {
	t.log = log.With(slog.String("transport", "mem"))
	return t
}

// Register makes a node reachable. It still has to be running to accept
// batches.
func (t *MemoryTransport) Register(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.ID()] = n
}

func (t *MemoryTransport) Unregister(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
}

func (t *MemoryTransport) Intercept(fn InterceptFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intercept = fn
}

func (t *MemoryTransport) SendBatch(ctx context.Context, node string, b Batch) SendResult {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return Fatal(ErrTransportClosed)
	}
	n := t.nodes[node]
	intercept := t.intercept
	t.mu.RUnlock()

	if intercept != nil {
		if res, ok := intercept(ctx, node, b); ok {
			return res
		}
	}

	if n == nil || !n.Running() {
		t.log.Debug("node unreachable", slog.String("node", node), slog.Uint64("seq", b.Seq))
		return Fatal(fmt.Errorf("%w: %s", ErrNodeUnreachable, node))
	}

	// the receiving side must not share memory with the sender
	b.Entries = slices.Clone(b.Entries)
	return n.Apply(ctx, b)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	clear(t.nodes)
	t.log.Debug("closed")
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
