package streamer

import (
	"context"
	"sync"
)

// gate implements backpressure on outstanding entry copies with hysteresis:
// once the count reaches high, acquire blocks until it drops below low.
type gate struct {
	high, low int

	mu      sync.Mutex
	n       int
	blocked bool
	closed  bool
	wake    chan struct{}
}

func newGate(high, low int) *gate {
	return &gate{high: high, low: low, wake: make(chan struct{})}
}

// acquire reserves k copies. onBlock runs before every wait, so copies
// appended by earlier callers since the last wake get cut over too.
func (g *gate) acquire(ctx context.Context, k int, onBlock func()) error {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return ErrClosed
		}
		if !g.blocked {
			g.n += k
			if g.n >= g.high {
				g.blocked = true
			}
			g.mu.Unlock()
			return nil
		}
		wake := g.wake
		g.mu.Unlock()

		if onBlock != nil {
			onBlock()
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *gate) release(k int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.n -= k
	if g.blocked && g.n < g.low {
		g.blocked = false
		g.broadcastLocked()
	}
	return g.n
}

// close fails current and future acquires with ErrClosed.
func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.broadcastLocked()
}

func (g *gate) broadcastLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}

// isBlocked reports whether acquires currently wait.
func (g *gate) isBlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

func (g *gate) outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// tracker holds every batch that was cut over and has not finished.
type tracker struct {
	mu      sync.Mutex
	batches map[*batch]struct{}
}

func newTracker() *tracker {
	return &tracker{batches: make(map[*batch]struct{})}
}

func (t *tracker) add(bt *batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches[bt] = struct{}{}
}

func (t *tracker) finish(bt *batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.batches, bt)
	close(bt.done)
}

// snapshot returns the done channels of the batches outstanding right now.
func (t *tracker) snapshot() []<-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]<-chan struct{}, 0, len(t.batches))
	for bt := range t.batches {
		out = append(out, bt.done)
	}
	return out
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}
