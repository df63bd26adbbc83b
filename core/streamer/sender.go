package streamer

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/codewandler/streamr/core/cluster"
)

// job is one transmission of some copies to one node.
type job struct {
	node    string
	seq     uint64
	attempt int
	version uint64
	items   []item
}

// part is the terminal outcome of some copies of a batch. A nil err means
// acknowledged.
type part struct {
	node  string
	seq   uint64
	items []item
	err   error
}

// sender transmits batches and handles re-routing. Retries of one batch,
// including the parts of a split, are sent one after another.
type sender struct {
	streamerID string
	cache      string
	router     cluster.Router
	transport  cluster.Transport
	clock      clockwork.Clock
	log        *slog.Logger
	metrics    Metrics

	retryLimit   int
	retryBackoff time.Duration
	sendTimeout  time.Duration

	// per destination node
	nextSeq     func(node string) uint64
	abortOf     func(node string) context.Context
	acquireSlot func(ctx context.Context, node string) error
	releaseSlot func(node string)
}

// send delivers bt, which holds an in-flight slot of bt.node. A part routed
// elsewhere first trades that slot for one of its destination, so at most
// one slot is held and none while waiting. send returns the outcomes and the
// node whose slot is still held, "" for none.
func (s *sender) send(ctx context.Context, bt *batch) ([]part, string) {
	var (
		out   []part
		bo    backoff.BackOff
		held  = bt.node
		queue = []job{{node: bt.node, seq: bt.seq, version: bt.version, items: bt.items}}
	)

	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]

		if ctx.Err() != nil {
			out = append(out, part{node: j.node, seq: j.seq, items: j.items, err: ErrCancelled})
			continue
		}
		if j.node != held {
			if held != "" {
				s.releaseSlot(held)
				held = ""
			}
			if err := s.acquireSlot(ctx, j.node); err != nil {
				out = append(out, part{node: j.node, seq: j.seq, items: j.items, err: ErrCancelled})
				continue
			}
			held = j.node
		}

		res, aborted := s.transmit(ctx, j)
		if res.OK() {
			out = append(out, part{node: j.node, seq: j.seq, items: j.items})
			continue
		}
		if ctx.Err() != nil {
			out = append(out, part{node: j.node, seq: j.seq, items: j.items, err: ErrCancelled})
			continue
		}

		if !retryable(res, aborted) {
			s.log.Warn(
				"batch failed",
				slog.String("node", j.node),
				slog.Uint64("seq", j.seq),
				slog.Any("keys", keysOf(j.items)),
				slog.Any("error", res.Err),
			)
			out = append(out, part{node: j.node, seq: j.seq, items: j.items, err: &TransportError{Node: j.node, Err: res.Err}})
			continue
		}

		if j.attempt >= s.retryLimit {
			s.log.Warn(
				"batch retries exhausted",
				slog.String("node", j.node),
				slog.Int("attempts", j.attempt+1),
				slog.Any("error", res.Err),
			)
			out = append(out, part{
				node:  j.node,
				seq:   j.seq,
				items: j.items,
				err:   &RetryExhaustedError{Node: j.node, Attempts: j.attempt + 1, Last: res.Err},
			})
			continue
		}

		s.metrics.BatchRetried(s.cache)
		if bo == nil {
			bo = s.newBackoff()
		}
		if !s.sleep(ctx, bo) {
			out = append(out, part{node: j.node, seq: j.seq, items: j.items, err: ErrCancelled})
			continue
		}

		next, failed := s.reroute(j)
		s.log.Debug(
			"batch re-routed",
			slog.Group("batch",
				slog.String("node", j.node),
				slog.Uint64("seq", j.seq),
				slog.Int("attempt", j.attempt),
			),
			slog.Bool("topology_changed", s.router.Version() != j.version),
			slog.Int("parts", len(next)),
			slog.Int("unroutable", len(failed)),
			slog.Any("cause", res.Err),
		)
		out = append(out, failed...)
		queue = append(queue, next...)
	}
	return out, held
}

// retryable classifies a failed result. Fatal results are final unless the
// send was aborted because its node left.
func retryable(res cluster.SendResult, aborted bool) bool {
	return res.Status == cluster.StatusRetryable || aborted
}

func (s *sender) transmit(ctx context.Context, j job) (cluster.SendResult, bool) {
	defer s.metrics.BatchSendDuration(s.cache).ObserveDuration()

	abort := s.abortOf(j.node)
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	stop := context.AfterFunc(abort, cancel)
	defer stop()

	res := s.transport.SendBatch(sendCtx, j.node, cluster.Batch{
		StreamerID: s.streamerID,
		Cache:      s.cache,
		Node:       j.node,
		Seq:        j.seq,
		Attempt:    j.attempt,
		Entries:    entriesOf(j.items),
	})
	return res, !res.OK() && abort.Err() != nil
}

// reroute resolves the copies of j again. A copy stays on its node while
// that node is still an owner and otherwise moves to the primary.
func (s *sender) reroute(j job) ([]job, []part) {
	var (
		version = s.router.Version()
		groups  = make(map[string][]item)
		order   []string
		failed  []part
	)
	for _, it := range j.items {
		owners, err := s.router.Resolve(s.cache, it.entry.Key)
		if err != nil {
			failed = append(failed, part{
				node:  j.node,
				seq:   j.seq,
				items: []item{it},
				err:   &NoDestinationError{Cache: s.cache, Key: it.entry.Key, Err: err},
			})
			continue
		}
		target := owners[0]
		if slices.Contains(owners, j.node) {
			target = j.node
		}
		if _, ok := groups[target]; !ok {
			order = append(order, target)
		}
		groups[target] = append(groups[target], it)
	}

	jobs := make([]job, 0, len(order))
	for _, node := range order {
		jobs = append(jobs, job{
			node:    node,
			seq:     s.nextSeq(node),
			attempt: j.attempt + 1,
			version: version,
			items:   groups[node],
		})
	}
	return jobs, failed
}

func (s *sender) newBackoff() backoff.BackOff {
	if s.retryBackoff < 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBackoff
	b.MaxInterval = 100 * s.retryBackoff
	b.Reset()
	return b
}

func (s *sender) sleep(ctx context.Context, bo backoff.BackOff) bool {
	d := bo.NextBackOff()
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-s.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
