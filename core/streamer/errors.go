package streamer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed      = errors.New("streamer closed")
	ErrCancelled   = errors.New("streamer cancelled")
	ErrKeyRequired = errors.New("key is required")
)

// NoDestinationError reports a key for which no server node could be
// resolved, e.g. because all owners of its cache left the cluster.
type NoDestinationError struct {
	Cache string
	Key   string
	Err   error
}

func (e *NoDestinationError) Error() string {
	return fmt.Sprintf(
		"failed to find server node for cache %q, key %q (all affinity nodes have left the cluster or cache was stopped): %v",
		e.Cache, e.Key, e.Err,
	)
}

func (e *NoDestinationError) Unwrap() error { return e.Err }

// RetryExhaustedError reports a batch that kept bouncing off topology changes.
type RetryExhaustedError struct {
	Node     string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("batch for node %s not applied after %d attempts: %v", e.Node, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// TransportError wraps a fatal send result.
type TransportError struct {
	Node string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to node %s: %v", e.Node, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Failure is one terminal failure with the keys that were not applied.
type Failure struct {
	Err  error
	Node string
	Seq  uint64
	Keys []string
}

// AggregatedFailure is returned by Flush and Close when at least one batch
// failed since the previous flush. Failures are in detection order.
type AggregatedFailure struct {
	Failures []Failure
}

func (e *AggregatedFailure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "streamer: %d failure(s), %d key(s) not applied", len(e.Failures), len(e.Keys()))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&sb, "; and %d more", len(e.Failures)-i)
			break
		}
		fmt.Fprintf(&sb, "; %v", f.Err)
	}
	return sb.String()
}

// Unwrap exposes every cause to errors.Is and errors.As.
func (e *AggregatedFailure) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

// Keys returns the failed keys without duplicates, in failure order.
func (e *AggregatedFailure) Keys() []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, f := range e.Failures {
		for _, k := range f.Keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// BaseError returns the innermost cause of the first failure.
func (e *AggregatedFailure) BaseError() error {
	if len(e.Failures) == 0 {
		return nil
	}
	err := e.Failures[0].Err
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
