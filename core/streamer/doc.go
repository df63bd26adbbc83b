// Package streamer implements a data streamer: a bulk loading client for a
// partitioned key/value cluster.
//
// Entries passed to Add are resolved to their owner nodes with a
// cluster.Router and buffered per node. A buffer is sent as one batch when
// it is full, on Flush, on an auto-flush tick, or when Add runs into
// backpressure. Each node has at most Options.PerNodeParallelism batches in
// flight; further batches wait in FIFO order.
//
// When a node answers that it no longer owns some keys, the batch is
// resolved again and resent to the new owners, up to Options.RetryLimit
// times. With Options.Events, sends in flight to a node that leaves are
// resolved again too. Any other failure, an unreachable node included, is
// final. Entries that cannot be applied are collected and reported by the
// next Flush as one *AggregatedFailure:
//
//	s, err := streamer.New(streamer.Options{
//		Cache:     "orders",
//		Router:    router,
//		Transport: transport,
//	})
//	if err != nil {
//		return err
//	}
//	defer s.Close(ctx)
//
//	for _, o := range orders {
//		if err := s.Add(ctx, o.ID, o.Payload); err != nil {
//			return err
//		}
//	}
//	if err := s.Flush(ctx); err != nil {
//		var agg *streamer.AggregatedFailure
//		if errors.As(err, &agg) {
//			log.Printf("%d keys not loaded", len(agg.Keys()))
//		}
//		return err
//	}
//
// Delivery is at least once. Every batch carries the streamer ID, the
// destination node and a per-node sequence number, which nodes can use to
// drop duplicates.
package streamer
