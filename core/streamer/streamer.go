package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/alitto/pond/v2"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/streamr/core/cluster"
)

// Streamer batches entries per owner node and streams them into one cache.
//
// Add accepts entries, Flush waits until everything accepted before it was
// applied or failed, Close flushes and releases resources. All methods are
// safe for concurrent use.
type Streamer struct {
	id      string
	opts    Options
	log     *slog.Logger
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc

	sender   *sender
	pool     pond.Pool
	gate     *gate
	tracker  *tracker
	failures failureLog

	// lifecycle is held shared by Add while it appends and exclusively while
	// the streamer is being closed.
	lifecycle sync.RWMutex
	closed    bool
	cancelled bool
	shutdown  bool

	mu      sync.Mutex
	buffers map[string]*nodeBuffer

	// flushing serializes flushes; each drains the failures of its window.
	flushing chan struct{}

	sub        cluster.Subscription
	stopTicker context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a streamer for opts.Cache.
func New(opts Options) (*Streamer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("streamer-%s", gonanoid.Must(8))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Streamer{
		id:      id,
		opts:    opts,
		log:     opts.Log.With(slog.String("streamer", id), slog.String("cache", opts.Cache)),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		pool:    pond.NewPool(opts.Workers),
		gate:    newGate(opts.HighWaterMark, opts.LowWaterMark),
		tracker: newTracker(),
		buffers: make(map[string]*nodeBuffer),

		flushing: make(chan struct{}, 1),
	}
	s.sender = &sender{
		streamerID:   id,
		cache:        opts.Cache,
		router:       opts.Router,
		transport:    opts.Transport,
		clock:        opts.Clock,
		log:          s.log,
		metrics:      opts.Metrics,
		retryLimit:   opts.RetryLimit,
		retryBackoff: opts.RetryBackoff,
		sendTimeout:  opts.SendTimeout,
		nextSeq:      func(node string) uint64 { return s.buffer(node).NextSeq() },
		abortOf:      func(node string) context.Context { return s.buffer(node).AbortContext() },
		acquireSlot:  func(ctx context.Context, node string) error { return s.buffer(node).Acquire(ctx) },
		releaseSlot:  func(node string) { s.dispatch(s.buffer(node).Release()) },
	}

	if opts.Events != nil {
		s.sub = opts.Events.Subscribe(s.onEvent)
	}
	if opts.AutoFlushInterval > 0 {
		tickCtx, stop := context.WithCancel(context.Background())
		s.stopTicker = stop
		s.wg.Add(1)
		go s.autoFlush(tickCtx)
	}

	s.log.Debug(
		"streamer created",
		slog.Int("batch_size", opts.BatchSize),
		slog.Int("per_node_parallelism", opts.PerNodeParallelism),
		slog.Int("high_water_mark", opts.HighWaterMark),
		slog.Int("low_water_mark", opts.LowWaterMark),
		slog.Int("retry_limit", opts.RetryLimit),
		slog.String("durability", opts.Durability.String()),
	)
	return s, nil
}

func (s *Streamer) ID() string    { return s.id }
func (s *Streamer) Cache() string { return s.opts.Cache }

// Add streams key=value. It blocks while the streamer is over its high
// water mark; ctx only bounds that wait.
func (s *Streamer) Add(ctx context.Context, key string, value []byte) error {
	return s.AddEntry(ctx, cluster.Entry{Key: key, Value: value})
}

// Remove streams a removal of key.
func (s *Streamer) Remove(ctx context.Context, key string) error {
	return s.AddEntry(ctx, cluster.Entry{Key: key, Remove: true})
}

// AddAll adds entries in order and stops at the first entry that was not
// accepted.
func (s *Streamer) AddAll(ctx context.Context, entries []cluster.Entry) error {
	for i, e := range entries {
		if err := s.AddEntry(ctx, e); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

// AddEntry accepts e or returns ErrClosed, ErrKeyRequired or ctx.Err(). An
// entry without a destination is accepted and reported as a
// NoDestinationError by the next Flush.
func (s *Streamer) AddEntry(ctx context.Context, e cluster.Entry) error {
	if e.Key == "" {
		return ErrKeyRequired
	}
	if s.isClosed() {
		return ErrClosed
	}

	version := s.opts.Router.Version()
	owners, err := s.opts.Router.Resolve(s.opts.Cache, e.Key)
	if err != nil {
		s.lifecycle.RLock()
		defer s.lifecycle.RUnlock()
		if s.closed {
			return ErrClosed
		}
		s.log.Debug("no destination", slog.String("key", e.Key), slog.Any("error", err))
		s.record(Failure{
			Err:  &NoDestinationError{Cache: s.opts.Cache, Key: e.Key, Err: err},
			Keys: []string{e.Key},
		})
		s.metrics.EntriesAdded(s.opts.Cache, 1)
		return nil
	}

	if err := s.acquire(ctx, len(owners)); err != nil {
		return err
	}

	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	if s.closed {
		s.release(len(owners))
		return ErrClosed
	}

	e.Value = slices.Clone(e.Value)
	t := newTicket(len(owners))
	for _, node := range owners {
		buf := s.buffer(node)
		// A blocked gate only opens once buffered copies are sent.
		if buf.Append(item{entry: e, ticket: t}, version) || s.gate.isBlocked() {
			if bt := buf.Cutover(); bt != nil {
				s.dispatch(buf.Admit(bt))
			}
		}
	}
	s.metrics.EntriesAdded(s.opts.Cache, 1)
	return nil
}

func (s *Streamer) acquire(ctx context.Context, copies int) error {
	timer := s.metrics.BackpressureWait(s.opts.Cache)
	blocked := false
	err := s.gate.acquire(ctx, copies, func() {
		blocked = true
		s.log.Debug("backpressure", slog.Int("outstanding", s.gate.outstanding()))
		// Partially filled batches would otherwise never drain.
		s.cutoverAll()
	})
	if blocked {
		timer.ObserveDuration()
	}
	if err == nil {
		s.metrics.Outstanding(s.opts.Cache, s.gate.outstanding())
	}
	return err
}

func (s *Streamer) release(copies int) {
	s.metrics.Outstanding(s.opts.Cache, s.gate.release(copies))
}

// Flush sends every pending batch and waits until all batches outstanding
// at call time finished. It returns an *AggregatedFailure with every failure
// recorded since the previous flush. If ctx ends first, ctx.Err() is
// returned and the failures are kept for the next flush. Concurrent flushes
// run one after another.
func (s *Streamer) Flush(ctx context.Context) error {
	if s.isShutdown() {
		return ErrClosed
	}
	return s.flush(ctx)
}

func (s *Streamer) flush(ctx context.Context) error {
	select {
	case s.flushing <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.flushing }()
	defer s.metrics.FlushDuration(s.opts.Cache).ObserveDuration()

	s.cutoverAll()
	waiting := s.tracker.snapshot()
	s.log.Debug("flush", slog.Int("batches", len(waiting)))
	for _, done := range waiting {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.failures.Drain()
}

// Close stops accepting entries, flushes and releases resources. Close is
// idempotent; only the first call reports failures.
func (s *Streamer) Close(ctx context.Context) error {
	s.lifecycle.Lock()
	if s.shutdown {
		s.lifecycle.Unlock()
		return nil
	}
	s.shutdown = true
	s.closed = true
	s.lifecycle.Unlock()

	s.gate.close()
	if s.stopTicker != nil {
		s.stopTicker()
	}
	s.wg.Wait()
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warn("unsubscribe failed", slog.Any("error", err))
		}
	}

	err := s.flush(ctx)
	s.pool.StopAndWait()
	if err != nil && !isAggregated(err) {
		// Batches that finished while the pool drained still count.
		err = errors.Join(err, s.failures.Drain())
	}
	s.cancel()

	s.mu.Lock()
	for _, buf := range s.buffers {
		buf.Stop()
	}
	s.mu.Unlock()

	s.log.Debug("streamer closed", slog.Bool("ok", err == nil))
	return err
}

// Cancel aborts the stream: pending and queued batches fail with
// ErrCancelled, in-flight sends are cancelled and Add returns ErrClosed.
// Close must still be called to release resources; it reports the
// cancelled entries.
func (s *Streamer) Cancel() {
	s.lifecycle.Lock()
	if s.cancelled || s.shutdown {
		s.lifecycle.Unlock()
		return
	}
	s.cancelled = true
	s.closed = true
	s.lifecycle.Unlock()

	s.log.Info("streamer cancelled")
	s.gate.close()
	s.cancel()
	s.cutoverAll()
}

// Stats is a point in time view of the streamer.
type Stats struct {
	Outstanding int // entry copies buffered or in flight
	Batches     int // batches cut over and not finished
	Failures    int // failures waiting for the next flush
}

func (s *Streamer) Stats() Stats {
	return Stats{
		Outstanding: s.gate.outstanding(),
		Batches:     s.tracker.len(),
		Failures:    s.failures.Len(),
	}
}

func (s *Streamer) isClosed() bool {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	return s.closed
}

func (s *Streamer) isShutdown() bool {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	return s.shutdown
}

func (s *Streamer) buffer(node string) *nodeBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[node]
	if !ok {
		buf = newNodeBuffer(node, s.opts.BatchSize, s.opts.PerNodeParallelism, s.tracker.add)
		s.buffers[node] = buf
	}
	return buf
}

func (s *Streamer) bufferList() []*nodeBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*nodeBuffer, 0, len(s.buffers))
	for _, buf := range s.buffers {
		out = append(out, buf)
	}
	return out
}

// cutoverAll sends every non-empty pending batch without waiting.
func (s *Streamer) cutoverAll() {
	for _, buf := range s.bufferList() {
		if bt := buf.Cutover(); bt != nil {
			s.dispatch(buf.Admit(bt))
		}
	}
}

func (s *Streamer) dispatch(batches []*batch) {
	for _, bt := range batches {
		s.pool.Submit(func() { s.run(bt) })
	}
}

// run sends bt and then, in the same worker, every batch the in-flight slot
// it ends up holding is handed to.
func (s *Streamer) run(bt *batch) {
	for bt != nil {
		s.log.Debug(
			"sending batch",
			slog.String("node", bt.node),
			slog.Uint64("seq", bt.seq),
			slog.Int("entries", len(bt.items)),
		)
		parts, held := s.sender.send(s.ctx, bt)
		s.complete(bt, parts)

		bt = nil
		if held == "" {
			continue
		}
		if next := s.buffer(held).Release(); len(next) > 0 {
			bt = next[0]
			s.dispatch(next[1:])
		}
	}
}

// complete records the outcome of every copy of bt, then marks bt done.
func (s *Streamer) complete(bt *batch, parts []part) {
	acked, failed := 0, 0
	for _, p := range parts {
		if p.err == nil {
			acked += len(p.items)
		} else {
			failed += len(p.items)
		}

		var keys []string
		for _, it := range p.items {
			if it.ticket.settle(p.err == nil, s.opts.Durability) {
				keys = append(keys, it.entry.Key)
			}
		}
		if len(keys) > 0 {
			s.record(Failure{Err: p.err, Node: p.node, Seq: p.seq, Keys: keys})
		}
	}

	if acked > 0 {
		s.metrics.BatchCompleted(s.opts.Cache, "acknowledged", acked)
	}
	if failed > 0 {
		s.metrics.BatchCompleted(s.opts.Cache, "failed", failed)
	}
	s.release(len(bt.items))
	s.tracker.finish(bt)
}

func (s *Streamer) record(f Failure) {
	s.metrics.Failure(s.opts.Cache, failureKind(f.Err))
	s.failures.Record(f)
}

func (s *Streamer) onEvent(ev cluster.Event) {
	if ev.Type != cluster.NodeLeft || s.isClosed() {
		return
	}

	s.mu.Lock()
	buf, ok := s.buffers[ev.NodeID]
	s.mu.Unlock()
	if !ok {
		return
	}

	// In-flight sends re-route. Pending and queued copies stay bound to the
	// node and fail when sent.
	st := buf.Stats()
	s.log.Info(
		"node left, aborting in-flight sends",
		slog.String("node", ev.NodeID),
		slog.Uint64("version", ev.Version),
		slog.Int("pending", st.Pending),
		slog.Int("queued", st.Queued),
		slog.Int("in_flight", st.InFlight),
	)
	buf.Abort()
}

func (s *Streamer) autoFlush(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.opts.Clock.NewTicker(s.opts.AutoFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.cutoverAll()
		}
	}
}

func isAggregated(err error) bool {
	var agg *AggregatedFailure
	return errors.As(err, &agg)
}
