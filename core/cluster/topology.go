package cluster

import (
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
)

// NodeInfo describes a server node and the caches it hosts.
type NodeInfo struct {
	ID     string   `json:"id"`
	Caches []string `json:"caches"`
}

func (n NodeInfo) Hosts(cache string) bool { return slices.Contains(n.Caches, cache) }

type TopologyOptions struct {
	Log     *slog.Logger
	Metrics Metrics
}

// Topology is the membership view of a cluster. Every change bumps the
// version. A join while members exist opens a rebalance window during which
// the membership before the join is kept as the previous assignment basis,
// until CompleteRebalance is called.
type Topology struct {
	mu       sync.RWMutex
	log      *slog.Logger
	metrics  Metrics
	version  uint64
	nodes    map[string]NodeInfo
	previous map[string]NodeInfo

	subs   map[uint64]func(Event)
	subSeq uint64
}

func NewTopology(opts TopologyOptions) *Topology {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopMetrics()
	}
	return &Topology{
		log:     log.With(slog.String("component", "topology")),
		metrics: m,
		nodes:   make(map[string]NodeInfo),
		subs:    make(map[uint64]func(Event)),
	}
}

// Join adds or updates a server node and returns the new version.
func (t *Topology) Join(n NodeInfo) uint64 {
	t.mu.Lock()
	if len(t.nodes) > 0 && t.previous == nil {
		t.previous = maps.Clone(t.nodes)
	}
	t.nodes[n.ID] = n
	t.version++
	ev := Event{Type: NodeJoined, NodeID: n.ID, Version: t.version}
	t.reportLocked(n.Caches)
	subs := t.subscribersLocked()
	t.mu.Unlock()

	t.log.Info("node joined", slog.String("node", n.ID), slog.Any("caches", n.Caches), slog.Uint64("version", ev.Version))
	notify(subs, ev)
	return ev.Version
}

// Leave removes a node. It returns false when the node was not a member.
func (t *Topology) Leave(nodeID string) (uint64, bool) {
	t.mu.Lock()
	n, ok := t.nodes[nodeID]
	if !ok {
		v := t.version
		t.mu.Unlock()
		return v, false
	}
	delete(t.nodes, nodeID)
	if t.previous != nil {
		delete(t.previous, nodeID)
		if len(t.previous) == 0 {
			t.previous = nil
		}
	}
	t.version++
	ev := Event{Type: NodeLeft, NodeID: nodeID, Version: t.version}
	t.reportLocked(n.Caches)
	subs := t.subscribersLocked()
	t.mu.Unlock()

	t.log.Info("node left", slog.String("node", nodeID), slog.Uint64("version", ev.Version))
	notify(subs, ev)
	return ev.Version, true
}

// CompleteRebalance closes the rebalance window opened by a join.
func (t *Topology) CompleteRebalance() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.previous == nil {
		return t.version
	}
	t.previous = nil
	t.version++
	t.metrics.TopologyVersion(t.version)
	t.log.Debug("rebalance completed", slog.Uint64("version", t.version))
	return t.version
}

func (t *Topology) Rebalancing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.previous != nil
}

func (t *Topology) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Nodes returns all members sorted by ID.
func (t *Topology) Nodes() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := slices.Collect(maps.Values(t.nodes))
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Members returns, at one version, the sorted IDs of the nodes hosting cache
// now and, while rebalancing, before the last join.
func (t *Topology) Members(cache string) (version uint64, current, previous []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version, hosting(t.nodes, cache), hosting(t.previous, cache)
}

func (t *Topology) Subscribe(fn func(Event)) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subSeq++
	id := t.subSeq
	t.subs[id] = fn
	return &topologySubscription{t: t, id: id}
}

func (t *Topology) subscribersLocked() []func(Event) {
	ids := slices.Sorted(maps.Keys(t.subs))
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, t.subs[id])
	}
	return out
}

func (t *Topology) reportLocked(caches []string) {
	t.metrics.TopologyVersion(t.version)
	for _, c := range caches {
		t.metrics.ServerNodes(c, len(hosting(t.nodes, c)))
	}
}

func hosting(nodes map[string]NodeInfo, cache string) []string {
	var out []string
	for id, n := range nodes {
		if n.Hosts(cache) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

type topologySubscription struct {
	t    *Topology
	id   uint64
	once sync.Once
}

func (s *topologySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s.id)
		s.t.mu.Unlock()
	})
	return nil
}

var _ Events = (*Topology)(nil)
