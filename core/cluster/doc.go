// Package cluster holds the collaborator contracts of the data streamer and
// reference implementations of them.
//
// # Contracts
//
// The streamer only depends on three interfaces:
//
//   - [Router]: resolves a key of a cache to the nodes that own it
//   - [Transport]: delivers a [Batch] to a node and reports a [SendResult]
//   - [Events]: optional membership notifications ([NodeJoined], [NodeLeft])
//
// A [SendResult] is one of acknowledged, retryable (the node no longer owns
// a partition of the batch, routing must be redone) or fatal (unreachable
// node, rejected entry, storage failure).
//
// # Affinity
//
// Keys map to partitions with [PartitionForKey] (BLAKE2b) and partitions map
// to owners with [PartitionOwners], a Highest Random Weight ranking over the
// nodes hosting the cache. This gives
//
//   - an even spread of partitions across nodes
//   - minimal movement when nodes join or leave
//   - the same answer on every client for the same membership
//
// [AffinityRouter] combines both on top of a [Topology]. After a join the
// topology is rebalancing until [Topology.CompleteRebalance]; in that window
// the router returns the owners under the old and the new membership, so a
// write reaches both.
//
//	topo := cluster.NewTopology(cluster.TopologyOptions{})
//	router, err := cluster.NewAffinityRouter(cluster.AffinityOptions{
//	    Topology: topo,
//	    Backups:  1,
//	})
//	owners, err := router.Resolve("people", "user:123")
//
// # In-memory cluster
//
// [Node] is a server node applying batches to a [kv.Store]. It rejects
// batches for partitions it does not own and remembers recently applied
// batch keys so redeliveries are acknowledged without being applied twice.
// [MemoryTransport] connects clients to in-process nodes; adapters/nats does
// the same over NATS.
//
// # Errors
//
//   - [ErrTopologyUnavailable]: no server node hosts the cache
//   - [ErrNotOwner]: a node received a key it does not own
//   - [ErrNodeUnreachable]: the destination is not running
//   - [ErrTransportClosed]: the transport was closed
package cluster
