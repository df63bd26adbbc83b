package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/streamr/ports/kv"
)

// TestCluster is an in-process cluster: topology, router, transport and
// running server nodes backed by memory stores.
type TestCluster struct {
	Topology  *Topology
	Router    *AffinityRouter
	Transport *MemoryTransport
	Nodes     map[string]*Node
	Stores    map[string]*kv.MemStore

	t      *testing.T
	caches []string
}

// CreateTestCluster starts numNodes server nodes (node-0..node-N) hosting
// caches. backups is the number of extra owners per partition. The returned
// cluster is not rebalancing.
func CreateTestCluster(t *testing.T, numNodes int, backups int, caches ...string) *TestCluster {
	topo := NewTopology(TopologyOptions{})
	router, err := NewAffinityRouter(AffinityOptions{Topology: topo, Backups: backups, Seed: "test"})
	require.NoError(t, err)

	tr := NewInMemoryTransport()
	t.Cleanup(func() {
		require.NoError(t, tr.Close())
	})

	c := &TestCluster{
		Topology:  topo,
		Router:    router,
		Transport: tr,
		Nodes:     make(map[string]*Node),
		Stores:    make(map[string]*kv.MemStore),
		t:         t,
		caches:    caches,
	}
	for i := 0; i < numNodes; i++ {
		c.StartNode(fmt.Sprintf("node-%d", i))
	}
	topo.CompleteRebalance()
	return c
}

// StartNode starts another server node hosting the cluster caches.
func (c *TestCluster) StartNode(nodeID string, opts ...func(*NodeOptions)) *Node {
	store := kv.NewMemStore()
	o := NodeOptions{
		NodeID: nodeID,
		Caches: c.caches,
		Store:  store,
		Router: c.Router,
	}
	for _, opt := range opts {
		opt(&o)
	}
	n := NewNode(o)
	c.Transport.Register(n)
	require.NoError(c.t, n.Run(c.t.Context(), c.Topology))
	c.Nodes[nodeID] = n
	c.Stores[nodeID] = store
	return n
}

// StopNode stops a node; it leaves the topology and becomes unreachable.
func (c *TestCluster) StopNode(nodeID string) {
	n, ok := c.Nodes[nodeID]
	require.True(c.t, ok, "unknown node %s", nodeID)
	n.Stop()
}

// Lookup finds key of cache on any node store.
func (c *TestCluster) Lookup(cache, key string) ([]byte, bool) {
	for _, s := range c.Stores {
		if v, err := s.Get(c.t.Context(), cache, key); err == nil {
			return v, true
		}
	}
	return nil, false
}

// StoredKeys counts the keys of cache stored on all nodes, replicas included.
func (c *TestCluster) StoredKeys(cache string) int {
	total := 0
	for _, s := range c.Stores {
		total += s.Len(cache)
	}
	return total
}
