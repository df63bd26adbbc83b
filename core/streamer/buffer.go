package streamer

import (
	"context"
	"slices"
	"sync"
)

// nodeBuffer accumulates entries for one destination node and gates how
// many sends to it are in flight. Batches over the limit wait in a FIFO;
// re-routed parts waiting in Acquire are served before them.
type nodeBuffer struct {
	node      string
	batchSize int
	limit     int
	track     func(*batch)

	mu       sync.Mutex
	seq      uint64
	pending  []item
	version  uint64
	queued   []*batch
	waiters  []chan struct{}
	inFlight int

	abort       context.Context
	cancelAbort context.CancelFunc
}

func newNodeBuffer(node string, batchSize, limit int, track func(*batch)) *nodeBuffer {
	b := &nodeBuffer{
		node:      node,
		batchSize: batchSize,
		limit:     limit,
		track:     track,
	}
	b.abort, b.cancelAbort = context.WithCancel(context.Background())
	return b
}

// Append adds a copy to the pending batch, routed at the given topology
// version. It returns true when the pending batch is full.
func (b *nodeBuffer) Append(it item, version uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.pending = make([]item, 0, b.batchSize)
		b.version = version
	}
	b.pending = append(b.pending, it)
	return len(b.pending) >= b.batchSize
}

// Cutover detaches the pending batch and hands it to track while still
// holding the buffer lock, so a concurrent flush either sees the entries
// pending or sees the tracked batch. It returns nil when nothing is pending.
func (b *nodeBuffer) Cutover() *batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	b.seq++
	bt := newBatch(b.node, b.seq, b.version, b.pending)
	b.pending = nil
	b.track(bt)
	return bt
}

// Admit queues bt (if not nil) and returns the batches that may go in
// flight now.
func (b *nodeBuffer) Admit(bt *batch) []*batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bt != nil {
		b.queued = append(b.queued, bt)
	}
	return b.takeLocked()
}

// Release frees an in-flight slot and returns the batches admitted in its
// place. A waiting Acquire takes precedence.
func (b *nodeBuffer) Release() []*batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight--
	return b.takeLocked()
}

// Acquire waits for an in-flight slot outside the FIFO. The caller must
// Release it. On ctx error no slot is held.
func (b *nodeBuffer) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.inFlight < b.limit && len(b.waiters) == 0 {
		b.inFlight++
		b.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	b.waiters = append(b.waiters, ready)
	b.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	b.mu.Lock()
	if i := slices.Index(b.waiters, ready); i >= 0 {
		b.waiters = slices.Delete(b.waiters, i, i+1)
		b.mu.Unlock()
		return ctx.Err()
	}
	b.mu.Unlock()
	// granted meanwhile
	return nil
}

func (b *nodeBuffer) takeLocked() []*batch {
	for b.inFlight < b.limit && len(b.waiters) > 0 {
		close(b.waiters[0])
		b.waiters = slices.Delete(b.waiters, 0, 1)
		b.inFlight++
	}

	var out []*batch
	for b.inFlight < b.limit && len(b.queued) > 0 {
		out = append(out, b.queued[0])
		b.queued[0] = nil
		b.queued = b.queued[1:]
		b.inFlight++
	}
	return out
}

// NextSeq allocates a sequence number for a retry sent to this node.
func (b *nodeBuffer) NextSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

// AbortContext is cancelled when sends to this node must give up, e.g.
// after the node left the cluster.
func (b *nodeBuffer) AbortContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abort
}

// Abort cancels the current abort context and installs a fresh one for
// later sends.
func (b *nodeBuffer) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelAbort()
	b.abort, b.cancelAbort = context.WithCancel(context.Background())
}

// Stop releases the abort context.
func (b *nodeBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelAbort()
}

type bufferStats struct {
	Pending  int
	Queued   int
	Waiting  int
	InFlight int
}

func (b *nodeBuffer) Stats() bufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bufferStats{Pending: len(b.pending), Queued: len(b.queued), Waiting: len(b.waiters), InFlight: b.inFlight}
}
