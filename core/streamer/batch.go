package streamer

import (
	"sync"

	"github.com/codewandler/streamr/core/cluster"
)

// item is one accepted entry copy bound for one owner.
type item struct {
	entry  cluster.Entry
	ticket *ticket
}

// ticket is shared by the copies of an entry that has several owners.
type ticket struct {
	mu      sync.Mutex
	pending int
	acked   bool
}

func newTicket(copies int) *ticket {
	if copies < 2 {
		return nil
	}
	return &ticket{pending: copies}
}

// settle records the outcome of one copy and reports whether its failure
// must be surfaced under the given policy.
func (t *ticket) settle(ok bool, policy Durability) bool {
	if t == nil {
		return !ok
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending--
	if ok {
		t.acked = true
		return false
	}
	if policy == DurabilityAll {
		return true
	}
	return t.pending == 0 && !t.acked
}

// batch is the unit tracked by Flush. Retries and re-route splits of a batch
// happen inside it; done is closed once every copy reached a terminal state.
type batch struct {
	node    string
	seq     uint64
	version uint64
	items   []item
	done    chan struct{}
}

func newBatch(node string, seq, version uint64, items []item) *batch {
	return &batch{
		node:    node,
		seq:     seq,
		version: version,
		items:   items,
		done:    make(chan struct{}),
	}
}

func keysOf(items []item) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.entry.Key
	}
	return keys
}

func entriesOf(items []item) []cluster.Entry {
	entries := make([]cluster.Entry, len(items))
	for i, it := range items {
		entries[i] = it.entry
	}
	return entries
}
