// Package hrw implements rendezvous (highest random weight) hashing on top of
// an 8-byte blake2b digest.
package hrw

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Bucket maps key onto 0..n-1. n == 0 yields 0.
func Bucket(key string, n uint32, seed string) uint32 {
	if n == 0 {
		return 0
	}
	return uint32(sum64(seed, []byte(key)) % uint64(n))
}

// Score is the weight of node for key. Larger wins.
func Score(key []byte, node string, seed string) uint64 {
	return sum64(seed, key, []byte{0}, []byte(node))
}

// TopK returns up to k nodes with the highest scores for key, best first.
// Equal scores are ordered by node name, so the result does not depend on
// the order of nodes.
func TopK(key string, nodes []string, k int, seed string) []string {
	if k <= 0 || len(nodes) == 0 {
		return nil
	}
	k = min(k, len(nodes))

	type scored struct {
		node  string
		score uint64
	}
	keyB := []byte(key)
	all := make([]scored, len(nodes))
	for i, n := range nodes {
		all[i] = scored{node: n, score: Score(keyB, n, seed)}
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].score != all[b].score {
			return all[a].score > all[b].score
		}
		return all[a].node < all[b].node
	})

	out := make([]string, k)
	for i := range out {
		out[i] = all[i].node
	}
	return out
}

// Best returns the top-1 node. ok is false if nodes is empty.
func Best(key string, nodes []string, seed string) (best string, ok bool) {
	out := TopK(key, nodes, 1, seed)
	if len(out) == 0 {
		return "", false
	}
	return out[0], true
}

func sum64(seed string, parts ...[]byte) uint64 {
	h, _ := blake2b.New(8, nil)
	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}
	for _, p := range parts {
		h.Write(p)
	}
	return binary.BigEndian.Uint64(h.Sum(nil))
}
