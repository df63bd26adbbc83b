package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/streamr/core/cache"
	"github.com/codewandler/streamr/ports/kv"
)

// ValidateFunc lets the storage side reject an entry, e.g. on a type conflict.
type ValidateFunc func(cache string, e Entry) error

type (
	NodeOptions struct {
		Log    *slog.Logger
		NodeID string
		Caches []string
		Store  kv.Store
		// Router is used to reject batches for partitions this node does
		// not own. Nil accepts everything.
		Router   Router
		Validate ValidateFunc
		// DedupWindow is the number of recently applied batch keys kept to
		// acknowledge redeliveries without re-applying them. Default 4096,
		// negative disables.
		DedupWindow int
		Metrics     Metrics
	}

	// Node is a server node: it owns partitions of the caches it hosts and
	// applies batches to its store.
	Node struct {
		log      *slog.Logger
		nodeID   string
		caches   []string
		store    kv.Store
		router   Router
		validate ValidateFunc
		seen     cache.Cache
		metrics  Metrics

		mu      sync.Mutex
		topo    *Topology
		running atomic.Bool
		applied atomic.Int64
	}
)

func NewNode(opts NodeOptions) *Node {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = fmt.Sprintf("node-%s", gonanoid.Must(6))
	}

	store := opts.Store
	if store == nil {
		store = kv.NewMemStore()
	}

	var seen cache.Cache
	switch {
	case opts.DedupWindow < 0:
		seen = cache.NewNop()
	case opts.DedupWindow == 0:
		seen = cache.NewLRU(cache.LRUOpts{Size: 4096})
	default:
		seen = cache.NewLRU(cache.LRUOpts{Size: opts.DedupWindow})
	}

	m := opts.Metrics
	if m == nil {
		m = NopMetrics()
	}

	return &Node{
		log:      log.With(slog.String("node", nodeID)),
		nodeID:   nodeID,
		caches:   slices.Clone(opts.Caches),
		store:    store,
		router:   opts.Router,
		validate: opts.Validate,
		seen:     seen,
		metrics:  m,
	}
}

func (n *Node) ID() string          { return n.nodeID }
func (n *Node) Store() kv.Store     { return n.store }
func (n *Node) Running() bool       { return n.running.Load() }
func (n *Node) Applied() int64      { return n.applied.Load() }
func (n *Node) Info() NodeInfo      { return NodeInfo{ID: n.nodeID, Caches: slices.Clone(n.caches)} }
func (n *Node) hosts(c string) bool { return slices.Contains(n.caches, c) }

// Run joins the topology and leaves it again when ctx is done.
func (n *Node) Run(ctx context.Context, topo *Topology) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	n.topo = topo
	n.mu.Unlock()

	n.running.Store(true)
	topo.Join(n.Info())
	n.log.Info("starting node", slog.Any("caches", n.caches))

	context.AfterFunc(ctx, n.Stop)
	return nil
}

// Stop leaves the topology. Batches sent afterwards fail as unreachable.
func (n *Node) Stop() {
	if !n.running.Swap(false) {
		return
	}
	n.mu.Lock()
	topo := n.topo
	n.mu.Unlock()
	if topo != nil {
		topo.Leave(n.nodeID)
	}
	n.log.Info("node stopped", slog.Int64("applied", n.applied.Load()))
}

// Apply validates and stores a batch. All entries are checked before the
// first one is written, so a rejected batch leaves the store untouched.
func (n *Node) Apply(ctx context.Context, b Batch) SendResult {
	defer n.metrics.ApplyDuration(n.nodeID).ObserveDuration()

	res, status := n.apply(ctx, b)
	n.metrics.BatchApplied(n.nodeID, status, len(b.Entries))
	if !res.OK() {
		n.log.Debug(
			"batch rejected",
			slog.Group(
				"batch",
				slog.String("cache", b.Cache),
				slog.Uint64("seq", b.Seq),
				slog.Int("entries", len(b.Entries)),
			),
			slog.String("status", status),
			slog.Any("error", res.Err),
		)
	}
	return res
}

func (n *Node) apply(ctx context.Context, b Batch) (SendResult, string) {
	if err := ctx.Err(); err != nil {
		return Fatal(err), StatusFatal.String()
	}
	if b.Cache == "" {
		return Fatal(ErrCacheRequired), StatusFatal.String()
	}
	if !n.hosts(b.Cache) {
		return Retryable(fmt.Errorf("%w: cache %q is not hosted on %s", ErrNotOwner, b.Cache, n.nodeID)), StatusRetryable.String()
	}

	dedupKey := b.DedupKey()
	if _, ok := n.seen.Get(dedupKey); ok {
		return Acknowledged(), "duplicate"
	}

	for _, e := range b.Entries {
		if n.router != nil {
			owners, err := n.router.Resolve(b.Cache, e.Key)
			if err != nil {
				return Retryable(err), StatusRetryable.String()
			}
			if !slices.Contains(owners, n.nodeID) {
				return Retryable(fmt.Errorf("%w: key %q of cache %q", ErrNotOwner, e.Key, b.Cache)), StatusRetryable.String()
			}
		}
		if n.validate != nil && !e.Remove {
			if err := n.validate(b.Cache, e); err != nil {
				return Fatal(fmt.Errorf("entry %q rejected: %w", e.Key, err)), StatusFatal.String()
			}
		}
	}

	for _, e := range b.Entries {
		var err error
		if e.Remove {
			err = n.store.Delete(ctx, b.Cache, e.Key)
		} else {
			err = n.store.Put(ctx, b.Cache, e.Key, e.Value)
		}
		if err != nil {
			return Fatal(fmt.Errorf("store %q: %w", e.Key, err)), StatusFatal.String()
		}
	}

	n.seen.Put(dedupKey, struct{}{})
	n.applied.Add(int64(len(b.Entries)))
	return Acknowledged(), StatusAcknowledged.String()
}
