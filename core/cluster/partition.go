package cluster

import (
	"strconv"

	"github.com/codewandler/streamr/internal/hrw"
)

// DefaultNumPartitions matches the affinity default of the storage cluster.
const DefaultNumPartitions = 1024

// PartitionForKey derives a stable partition (0..numPartitions-1) from a key.
func PartitionForKey(key string, numPartitions uint32, seed string) uint32 {
	return hrw.Bucket(key, numPartitions, seed)
}

// PartitionOwners returns up to k nodes with the highest rendezvous score
// for the partition, best first. The result is deterministic for a given
// node set regardless of the order of nodes.
func PartitionOwners(partition uint32, nodes []string, k int, seed string) []string {
	return hrw.TopK("partition:"+strconv.FormatUint(uint64(partition), 10), nodes, k, seed)
}
