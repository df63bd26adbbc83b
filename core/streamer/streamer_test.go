package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/streamr/core/cluster"
)

func newTestStreamer(t *testing.T, c *cluster.TestCluster, cache string, opts ...func(*Options)) *Streamer {
	t.Helper()

	o := Options{
		Cache:        cache,
		Router:       c.Router,
		Transport:    c.Transport,
		Events:       c.Topology,
		RetryBackoff: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	s, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// keysOwnedBy returns n keys whose primary owner is node.
func keysOwnedBy(t *testing.T, c *cluster.TestCluster, cache, node string, n int) []string {
	t.Helper()
	var keys []string
	for i := 0; len(keys) < n; i++ {
		k := fmt.Sprintf("key-%d", i)
		owners, err := c.Router.Resolve(cache, k)
		require.NoError(t, err)
		if owners[0] == node {
			keys = append(keys, k)
		}
	}
	return keys
}

func TestNew_validates_options(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")

	for name, o := range map[string]Options{
		"cache":     {Router: c.Router, Transport: c.Transport},
		"router":    {Cache: "c", Transport: c.Transport},
		"transport": {Cache: "c", Router: c.Router},
		"marks":     {Cache: "c", Router: c.Router, Transport: c.Transport, HighWaterMark: 10, LowWaterMark: 20},
		"batch":     {Cache: "c", Router: c.Router, Transport: c.Transport, BatchSize: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(o)
			require.Error(t, err)
			require.Contains(t, err.Error(), "streamer:")
		})
	}
}

func TestOptions_low_water_mark_default(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	for high, low := range map[int]int{1: 1, 2: 1, 3: 1, 100: 50} {
		o, err := Options{Cache: "c", Router: c.Router, Transport: c.Transport, HighWaterMark: high}.withDefaults()
		require.NoError(t, err, "high water mark %d", high)
		require.Equal(t, low, o.LowWaterMark)
	}
}

func TestStreamer_Flush_applies_every_entry(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	c := cluster.CreateTestCluster(t, 3, 0, "c")

	var seqs atomic.Int64
	seen := make(chan string, 1024)
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		seqs.Add(1)
		seen <- b.DedupKey()
		return cluster.SendResult{}, false
	})

	s := newTestStreamer(t, c, "c", func(o *Options) { o.BatchSize = 64 })

	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, s.Add(t.Context(), fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, n, c.StoredKeys("c"))
	require.Zero(t, s.Stats().Outstanding)
	require.Zero(t, s.Stats().Batches)

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%d", i)
		owners, err := c.Router.Resolve("c", k)
		require.NoError(t, err)
		v, err := c.Stores[owners[0]].Get(t.Context(), "c", k)
		require.NoError(t, err, "key %s not on its owner", k)
		require.Equal(t, fmt.Sprintf("v%d", i), string(v))
	}

	// every batch has a distinct (streamer, node, seq)
	close(seen)
	unique := make(map[string]struct{})
	for k := range seen {
		unique[k] = struct{}{}
	}
	require.Len(t, unique, int(seqs.Load()))
}

func TestStreamer_backups_receive_a_copy(t *testing.T) {
	c := cluster.CreateTestCluster(t, 3, 1, "c")
	s := newTestStreamer(t, c, "c")

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Add(t.Context(), fmt.Sprintf("k%d", i), []byte("v")))
	}
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, 200, c.StoredKeys("c"))
}

func TestStreamer_flush_without_entries(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	s := newTestStreamer(t, c, "c")
	require.NoError(t, s.Flush(t.Context()))
	require.NoError(t, s.Flush(t.Context()))
}

func TestStreamer_Remove(t *testing.T) {
	c := cluster.CreateTestCluster(t, 2, 0, "c")
	s := newTestStreamer(t, c, "c")

	require.NoError(t, s.AddAll(t.Context(), []cluster.Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	}))
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, 2, c.StoredKeys("c"))

	require.NoError(t, s.Remove(t.Context(), "a"))
	require.NoError(t, s.Flush(t.Context()))
	_, ok := c.Lookup("c", "a")
	require.False(t, ok)
	_, ok = c.Lookup("c", "b")
	require.True(t, ok)
}

func TestStreamer_Add_copies_value(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	s := newTestStreamer(t, c, "c")

	v := []byte("before")
	require.NoError(t, s.Add(t.Context(), "a", v))
	copy(v, "after!")
	require.NoError(t, s.Flush(t.Context()))

	got, ok := c.Lookup("c", "a")
	require.True(t, ok)
	require.Equal(t, "before", string(got))
}

func TestStreamer_Add_requires_key(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	s := newTestStreamer(t, c, "c")
	require.ErrorIs(t, s.Add(t.Context(), "", []byte("v")), ErrKeyRequired)
	require.ErrorIs(t, s.AddAll(t.Context(), []cluster.Entry{{Key: "a"}, {}}), ErrKeyRequired)
}

// A key that lost all its owners fails on the next flush, while keys
// flushed before are unaffected.
func TestStreamer_no_server_node_for_cache(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	ts := NewTyped[int, int](newTestStreamer(t, c, "c"))

	require.NoError(t, ts.Add(t.Context(), 1, 2))
	require.NoError(t, ts.Flush(t.Context()))

	c.StopNode("node-0")

	require.NoError(t, ts.Add(t.Context(), 2, 3), "add without destination is accepted")
	err := ts.Flush(t.Context())
	require.Error(t, err)

	var agg *AggregatedFailure
	require.ErrorAs(t, err, &agg)
	require.Equal(t, []string{"2"}, agg.Keys())

	var noDest *NoDestinationError
	require.ErrorAs(t, err, &noDest)
	require.Equal(t, "2", noDest.Key)
	require.Equal(t, "c", noDest.Cache)

	require.ErrorIs(t, err, cluster.ErrTopologyUnavailable)
	require.Equal(t, "no server node found for cache", agg.BaseError().Error())
	require.Contains(t, err.Error(), `key "2"`)

	// reported once
	require.NoError(t, ts.Flush(t.Context()))
}

func TestStreamer_rejected_entries_are_reported(t *testing.T) {
	c := cluster.CreateTestCluster(t, 0, 0, "c")
	c.StartNode("node-0", func(o *cluster.NodeOptions) {
		o.Validate = func(_ string, e cluster.Entry) error {
			if string(e.Value) == "bad" {
				return errors.New("type mismatch")
			}
			return nil
		}
	})

	s := newTestStreamer(t, c, "c", func(o *Options) { o.BatchSize = 1 })
	require.NoError(t, s.Add(t.Context(), "good-1", []byte("ok")))
	require.NoError(t, s.Add(t.Context(), "bad-1", []byte("bad")))
	require.NoError(t, s.Add(t.Context(), "good-2", []byte("ok")))
	require.NoError(t, s.Add(t.Context(), "bad-2", []byte("bad")))

	err := s.Flush(t.Context())
	var agg *AggregatedFailure
	require.ErrorAs(t, err, &agg)
	require.ElementsMatch(t, []string{"bad-1", "bad-2"}, agg.Keys())
	require.Len(t, agg.Failures, 2)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "node-0", te.Node)
	require.Contains(t, te.Error(), "type mismatch")

	require.Equal(t, 2, c.StoredKeys("c"))

	// a later flush only reports later failures
	require.NoError(t, s.Add(t.Context(), "good-3", []byte("ok")))
	require.NoError(t, s.Flush(t.Context()))
}

func TestStreamer_retries_until_owner_accepts(t *testing.T) {
	c := cluster.CreateTestCluster(t, 2, 0, "c")

	var retried atomic.Int64
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		if b.Attempt == 0 {
			return cluster.Retryable(nil), true
		}
		retried.Add(1)
		return cluster.SendResult{}, false
	})

	s := newTestStreamer(t, c, "c", func(o *Options) { o.BatchSize = 10 })
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Add(t.Context(), fmt.Sprintf("k%d", i), []byte("v")))
	}
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, 100, c.StoredKeys("c"))
	require.Positive(t, retried.Load())
}

func TestStreamer_retry_limit(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")

	var calls atomic.Int64
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		calls.Add(1)
		return cluster.Retryable(nil), true
	})

	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.RetryLimit = 2
		o.RetryBackoff = -1
	})
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(t.Context(), k, []byte("v")))
	}

	err := s.Flush(t.Context())
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, "node-0", exhausted.Node)
	require.ErrorIs(t, err, cluster.ErrNotOwner)
	require.EqualValues(t, 3, calls.Load())

	var agg *AggregatedFailure
	require.ErrorAs(t, err, &agg)
	require.ElementsMatch(t, []string{"a", "b", "c"}, agg.Keys())
}

func TestStreamer_per_node_parallelism(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")

	var inFlight, peak atomic.Int64
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return cluster.SendResult{}, false
	})

	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.BatchSize = 1
		o.PerNodeParallelism = 2
	})
	for i := 0; i < 30; i++ {
		require.NoError(t, s.Add(t.Context(), fmt.Sprintf("k%d", i), []byte("v")))
	}
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, 30, c.StoredKeys("c"))
	require.LessOrEqual(t, peak.Load(), int64(2))
	require.Positive(t, peak.Load())
}

// stall makes sends block until release is closed or the send is cancelled.
func stall(c *cluster.TestCluster) (release func(), entered <-chan string) {
	ch := make(chan struct{})
	in := make(chan string, 64)
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		select {
		case in <- node:
		default:
		}
		select {
		case <-ch:
			return cluster.SendResult{}, false
		case <-ctx.Done():
			return cluster.Fatal(ctx.Err()), true
		}
	})
	return func() { close(ch) }, in
}

func TestStreamer_backpressure(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	release, _ := stall(c)

	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.BatchSize = 2
		o.HighWaterMark = 8
		o.LowWaterMark = 4
	})

	for i := 0; i < 8; i++ {
		require.NoError(t, s.Add(t.Context(), fmt.Sprintf("k%d", i), []byte("v")))
	}
	require.Equal(t, 8, s.Stats().Outstanding)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Add(ctx, "k8", []byte("v")), context.DeadlineExceeded)
	require.Equal(t, 8, s.Stats().Outstanding, "rejected entry is not counted")

	added := make(chan error, 1)
	go func() { added <- s.Add(t.Context(), "k8", []byte("v")) }()

	select {
	case err := <-added:
		t.Fatalf("add returned while over the high water mark: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	release()
	require.NoError(t, <-added)
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, 9, c.StoredKeys("c"))
}

// Entries that never fill a batch must not dead-lock a blocked Add.
func TestStreamer_backpressure_sends_partial_batches(t *testing.T) {
	c := cluster.CreateTestCluster(t, 2, 0, "c")
	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.BatchSize = 1000
		o.HighWaterMark = 10
		o.LowWaterMark = 5
	})

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Add(t.Context(), fmt.Sprintf("k%d", i), []byte("v")))
		require.LessOrEqual(t, s.Stats().Outstanding, 10)
	}
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, 100, c.StoredKeys("c"))
}

func TestStreamer_Flush_context(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	release, entered := stall(c)

	s := newTestStreamer(t, c, "c")
	require.NoError(t, s.Add(t.Context(), "a", []byte("v")))

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Flush(ctx), context.DeadlineExceeded)
	<-entered

	release()
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, 1, c.StoredKeys("c"))
}

func TestStreamer_Close(t *testing.T) {
	c := cluster.CreateTestCluster(t, 2, 0, "c")
	s := newTestStreamer(t, c, "c")

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Add(t.Context(), fmt.Sprintf("k%d", i), []byte("v")))
	}
	require.NoError(t, s.Close(t.Context()))
	require.Equal(t, 10, c.StoredKeys("c"), "close flushes")

	require.NoError(t, s.Close(t.Context()), "close is idempotent")
	require.ErrorIs(t, s.Add(t.Context(), "x", []byte("v")), ErrClosed)
	require.ErrorIs(t, s.Flush(t.Context()), ErrClosed)
}

func TestStreamer_Close_reports_failures(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		return cluster.Fatal(errors.New("disk full")), true
	})

	s := newTestStreamer(t, c, "c")
	require.NoError(t, s.Add(t.Context(), "a", []byte("v")))

	err := s.Close(t.Context())
	var agg *AggregatedFailure
	require.ErrorAs(t, err, &agg)
	require.Equal(t, []string{"a"}, agg.Keys())
	require.NoError(t, s.Close(t.Context()))
}

func TestStreamer_Close_unblocks_Add(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	release, _ := stall(c)

	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.BatchSize = 1
		o.HighWaterMark = 2
		o.LowWaterMark = 1
	})
	require.NoError(t, s.Add(t.Context(), "a", []byte("v")))
	require.NoError(t, s.Add(t.Context(), "b", []byte("v")))

	added := make(chan error, 1)
	go func() { added <- s.Add(t.Context(), "c", []byte("v")) }()

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()

	require.ErrorIs(t, <-added, ErrClosed)
	release()
	require.NoError(t, <-closed)
	require.Equal(t, 2, c.StoredKeys("c"))
}

func TestStreamer_Cancel(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	_, entered := stall(c)

	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.BatchSize = 2
		o.PerNodeParallelism = 1
	})

	// one batch in flight, one queued, one entry pending
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Add(t.Context(), k, []byte("v")))
	}
	<-entered

	s.Cancel()
	s.Cancel()
	require.ErrorIs(t, s.Add(t.Context(), "f", []byte("v")), ErrClosed)

	err := s.Close(t.Context())
	require.ErrorIs(t, err, ErrCancelled)

	var agg *AggregatedFailure
	require.ErrorAs(t, err, &agg)
	require.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, agg.Keys())
	for _, f := range agg.Failures {
		require.ErrorIs(t, f.Err, ErrCancelled)
	}
	require.Zero(t, c.StoredKeys("c"))
}

// Copies bound for a node that is gone before they are sent are reported,
// not re-routed.
func TestStreamer_node_removed_before_send(t *testing.T) {
	for name, events := range map[string]bool{"with events": true, "without events": false} {
		t.Run(name, func(t *testing.T) {
			c := cluster.CreateTestCluster(t, 2, 0, "c")
			s := newTestStreamer(t, c, "c", func(o *Options) {
				o.BatchSize = 100
				if !events {
					o.Events = nil
				}
			})

			lost := keysOwnedBy(t, c, "c", "node-0", 5)
			kept := keysOwnedBy(t, c, "c", "node-1", 5)
			for _, k := range append(slices.Clone(lost), kept...) {
				require.NoError(t, s.Add(t.Context(), k, []byte("v")))
			}

			c.StopNode("node-0")

			err := s.Flush(t.Context())
			var agg *AggregatedFailure
			require.ErrorAs(t, err, &agg)
			require.ElementsMatch(t, lost, agg.Keys())

			var te *TransportError
			require.ErrorAs(t, err, &te)
			require.Equal(t, "node-0", te.Node)
			require.ErrorIs(t, err, cluster.ErrNodeUnreachable)

			require.Equal(t, len(kept), c.Stores["node-1"].Len("c"))
			require.Zero(t, c.Stores["node-0"].Len("c"))
			require.NoError(t, s.Flush(t.Context()), "failures are reported once")
		})
	}
}

func TestStreamer_unreachable_node_is_not_retried(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")

	var calls atomic.Int64
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		calls.Add(1)
		return cluster.Fatal(cluster.ErrNodeUnreachable), true
	})

	s := newTestStreamer(t, c, "c")
	require.NoError(t, s.Add(t.Context(), "a", []byte("v")))

	err := s.Flush(t.Context())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, cluster.ErrNodeUnreachable)

	var exhausted *RetryExhaustedError
	require.False(t, errors.As(err, &exhausted))
	require.EqualValues(t, 1, calls.Load())
}

func TestStreamer_node_left_aborts_in_flight_sends(t *testing.T) {
	c := cluster.CreateTestCluster(t, 2, 0, "c")
	node0 := c.Nodes["node-0"]

	entered := make(chan struct{}, 2)
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		if node != "node-0" || !node0.Running() {
			return cluster.SendResult{}, false
		}
		entered <- struct{}{}
		<-ctx.Done()
		return cluster.Fatal(ctx.Err()), true
	})

	s := newTestStreamer(t, c, "c", func(o *Options) { o.BatchSize = 5 })
	keys := keysOwnedBy(t, c, "c", "node-0", 10)
	for _, k := range keys {
		require.NoError(t, s.Add(t.Context(), k, []byte("v")))
	}
	// both batches in flight
	<-entered
	<-entered

	c.StopNode("node-0")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
	require.Equal(t, len(keys), c.Stores["node-1"].Len("c"))
}

func TestStreamer_rerouted_parts_respect_per_node_parallelism(t *testing.T) {
	c := cluster.CreateTestCluster(t, 2, 0, "c")
	node0 := c.Nodes["node-0"]

	var inFlight, peak atomic.Int64
	entered := make(chan struct{}, 1)
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		if node == "node-0" && node0.Running() {
			entered <- struct{}{}
			<-ctx.Done()
			return cluster.Fatal(ctx.Err()), true
		}
		if node != "node-1" {
			return cluster.SendResult{}, false
		}
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return cluster.SendResult{}, false
	})

	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.BatchSize = 5
		o.PerNodeParallelism = 1
	})

	moved := keysOwnedBy(t, c, "c", "node-0", 5)
	for _, k := range moved {
		require.NoError(t, s.Add(t.Context(), k, []byte("v")))
	}
	<-entered

	local := keysOwnedBy(t, c, "c", "node-1", 20)
	for _, k := range local {
		require.NoError(t, s.Add(t.Context(), k, []byte("v")))
	}
	c.StopNode("node-0")

	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, len(moved)+len(local), c.Stores["node-1"].Len("c"))
	require.EqualValues(t, 1, peak.Load())
}

func TestStreamer_retries_of_a_batch_are_sequential(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")

	var (
		inFlight, peak atomic.Int64
		mu             sync.Mutex
		attempts       []int
	)
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		mu.Lock()
		attempts = append(attempts, b.Attempt)
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)
		if b.Attempt < 2 {
			return cluster.Retryable(nil), true
		}
		return cluster.SendResult{}, false
	})

	s := newTestStreamer(t, c, "c", func(o *Options) { o.BatchSize = 10 })
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Add(t.Context(), fmt.Sprintf("k%d", i), []byte("v")))
	}
	require.NoError(t, s.Flush(t.Context()))

	require.Equal(t, []int{0, 1, 2}, attempts)
	require.EqualValues(t, 1, peak.Load())
	require.Equal(t, 10, c.StoredKeys("c"))
}

func TestStreamer_durability(t *testing.T) {
	run := func(t *testing.T, d Durability) error {
		c := cluster.CreateTestCluster(t, 2, 1, "c")
		c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
			if node == "node-0" {
				return cluster.Fatal(errors.New("disk full")), true
			}
			return cluster.SendResult{}, false
		})

		s := newTestStreamer(t, c, "c", func(o *Options) { o.Durability = d })
		for i := 0; i < 20; i++ {
			require.NoError(t, s.Add(t.Context(), fmt.Sprintf("k%d", i), []byte("v")))
		}
		err := s.Flush(t.Context())
		require.Equal(t, 20, c.Stores["node-1"].Len("c"))
		return err
	}

	t.Run("all", func(t *testing.T) {
		err := run(t, DurabilityAll)
		var agg *AggregatedFailure
		require.ErrorAs(t, err, &agg)
		require.Len(t, agg.Keys(), 20)

		var te *TransportError
		require.ErrorAs(t, err, &te)
		require.Equal(t, "node-0", te.Node)
	})

	t.Run("any", func(t *testing.T) {
		require.NoError(t, run(t, DurabilityAny))
	})
}

func TestStreamer_auto_flush(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	clock := clockwork.NewFakeClock()

	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.Clock = clock
		o.AutoFlushInterval = time.Second
	})
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(t.Context(), k, []byte("v")))
	}
	require.Zero(t, c.StoredKeys("c"))

	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return c.StoredKeys("c") == 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStreamer_concurrent_adds(t *testing.T) {
	c := cluster.CreateTestCluster(t, 3, 1, "c")
	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.BatchSize = 32
		o.HighWaterMark = 256
	})

	eg, ctx := errgroup.WithContext(t.Context())
	for w := 0; w < 8; w++ {
		eg.Go(func() error {
			for i := 0; i < 250; i++ {
				if err := s.Add(ctx, fmt.Sprintf("w%d-k%d", w, i), []byte("v")); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, 2*8*250, c.StoredKeys("c"))
}

// Copies appended by Adds that passed the gate before it closed must still
// be sent, or a blocked Add never wakes.
func TestStreamer_concurrent_adds_under_backpressure(t *testing.T) {
	c := cluster.CreateTestCluster(t, 2, 0, "c")
	s := newTestStreamer(t, c, "c", func(o *Options) {
		o.BatchSize = 1000
		o.HighWaterMark = 2
		o.LowWaterMark = 1
	})

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < 8; w++ {
		eg.Go(func() error {
			for i := 0; i < 50; i++ {
				if err := s.Add(ctx, fmt.Sprintf("w%d-k%d", w, i), []byte("v")); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, 8*50, c.StoredKeys("c"))
}

func TestStreamer_concurrent_flushes_report_their_own_failures(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	c.Transport.Intercept(func(ctx context.Context, node string, b cluster.Batch) (cluster.SendResult, bool) {
		if b.Entries[0].Key == "bad" {
			return cluster.Fatal(errors.New("rejected")), true
		}
		entered <- struct{}{}
		<-release
		return cluster.SendResult{}, false
	})

	s := newTestStreamer(t, c, "c")
	require.NoError(t, s.Add(t.Context(), "good", []byte("v")))

	first := make(chan error, 1)
	go func() { first <- s.Flush(t.Context()) }()
	<-entered

	require.NoError(t, s.Add(t.Context(), "bad", []byte("v")))
	second := make(chan error, 1)
	go func() { second <- s.Flush(t.Context()) }()

	close(release)
	require.NoError(t, <-first)

	var agg *AggregatedFailure
	require.ErrorAs(t, <-second, &agg)
	require.Equal(t, []string{"bad"}, agg.Keys())
}

// An entry Add accepted without a destination is reported by Close even
// when both race.
func TestStreamer_Close_reports_entries_without_destination(t *testing.T) {
	c := cluster.CreateTestCluster(t, 0, 0, "c")
	s := newTestStreamer(t, c, "c")

	var (
		mu       sync.Mutex
		accepted []string
	)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				k := fmt.Sprintf("w%d-k%d", w, i)
				if err := s.Add(context.Background(), k, []byte("v")); err != nil {
					return
				}
				mu.Lock()
				accepted = append(accepted, k)
				mu.Unlock()
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	err := s.Close(t.Context())
	wg.Wait()

	require.NotEmpty(t, accepted)
	var agg *AggregatedFailure
	require.ErrorAs(t, err, &agg)
	require.ElementsMatch(t, accepted, agg.Keys())
}

func TestTyped(t *testing.T) {
	c := cluster.CreateTestCluster(t, 1, 0, "c")
	ts := NewTyped[int, map[string]int](newTestStreamer(t, c, "c"))

	require.NoError(t, ts.Add(t.Context(), 7, map[string]int{"n": 1}))
	require.NoError(t, ts.Add(t.Context(), 8, map[string]int{"n": 2}))
	require.NoError(t, ts.Remove(t.Context(), 8))
	require.NoError(t, ts.Flush(t.Context()))

	v, ok := c.Lookup("c", "7")
	require.True(t, ok)
	require.JSONEq(t, `{"n":1}`, string(v))
	require.NotNil(t, ts.Streamer())
	require.NoError(t, ts.Close(t.Context()))
}
