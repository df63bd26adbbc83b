package cluster

import (
	"fmt"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

type AffinityOptions struct {
	Topology      *Topology
	NumPartitions uint32 // default DefaultNumPartitions
	Backups       int    // extra owners per partition besides the primary
	Seed          string
}

// AffinityRouter resolves keys to owners: key -> partition (blake2b) ->
// owners (rendezvous hashing over the nodes hosting the cache). While the
// topology is rebalancing the owners under the previous membership are
// appended, so writes reach both the old and the new owner.
//
// The partition table of a cache is computed once per topology version;
// concurrent resolvers share the computation.
type AffinityRouter struct {
	topo          *Topology
	numPartitions uint32
	backups       int
	seed          string

	group  singleflight.Group
	mu     sync.RWMutex
	tables map[string]*assignment
}

type assignment struct {
	version uint64
	owners  [][]string
}

func NewAffinityRouter(opts AffinityOptions) (*AffinityRouter, error) {
	if opts.Topology == nil {
		return nil, fmt.Errorf("cluster: AffinityOptions.Topology is required")
	}
	if opts.Backups < 0 {
		return nil, fmt.Errorf("cluster: AffinityOptions.Backups must be >= 0")
	}
	n := opts.NumPartitions
	if n == 0 {
		n = DefaultNumPartitions
	}
	return &AffinityRouter{
		topo:          opts.Topology,
		numPartitions: n,
		backups:       opts.Backups,
		seed:          opts.Seed,
		tables:        make(map[string]*assignment),
	}, nil
}

func (r *AffinityRouter) Version() uint64 { return r.topo.Version() }

func (r *AffinityRouter) Partition(key string) uint32 {
	return PartitionForKey(key, r.numPartitions, r.seed)
}

func (r *AffinityRouter) Resolve(cache, key string) ([]string, error) {
	a, err := r.assignment(cache)
	if err != nil {
		return nil, err
	}
	return slices.Clone(a.owners[r.Partition(key)]), nil
}

func (r *AffinityRouter) assignment(cache string) (*assignment, error) {
	version := r.topo.Version()

	r.mu.RLock()
	a := r.tables[cache]
	r.mu.RUnlock()
	if a != nil && a.version == version {
		return a, nil
	}

	v, err, _ := r.group.Do(cache+"@"+strconv.FormatUint(version, 10), func() (any, error) {
		return r.compute(cache)
	})
	if err != nil {
		return nil, err
	}
	return v.(*assignment), nil
}

func (r *AffinityRouter) compute(cache string) (*assignment, error) {
	version, current, previous := r.topo.Members(cache)
	if len(current) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTopologyUnavailable, cache)
	}

	k := 1 + r.backups
	a := &assignment{version: version, owners: make([][]string, r.numPartitions)}
	for p := range a.owners {
		owners := PartitionOwners(uint32(p), current, k, r.seed)
		for _, n := range PartitionOwners(uint32(p), previous, k, r.seed) {
			if !slices.Contains(owners, n) {
				owners = append(owners, n)
			}
		}
		a.owners[p] = owners
	}

	r.mu.Lock()
	if cur := r.tables[cache]; cur == nil || cur.version < a.version {
		r.tables[cache] = a
	}
	r.mu.Unlock()
	return a, nil
}

var _ Router = (*AffinityRouter)(nil)
