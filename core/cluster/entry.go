package cluster

import (
	"errors"
	"fmt"
)

// Entry is a single key/value mutation. When Remove is set the key is
// deleted on the destination and Value is ignored.
type Entry struct {
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

// Batch is an ordered group of entries bound for one node.
type Batch struct {
	StreamerID string  `json:"streamer_id"`
	Cache      string  `json:"cache"`
	Node       string  `json:"node"`
	Seq        uint64  `json:"seq"`
	Attempt    int     `json:"attempt,omitempty"`
	Entries    []Entry `json:"entries"`
}

// DedupKey identifies a batch across redeliveries of the same send.
func (b Batch) DedupKey() string {
	return fmt.Sprintf("%s/%s/%d", b.StreamerID, b.Node, b.Seq)
}

// Keys returns the keys of all entries in batch order.
func (b Batch) Keys() []string {
	keys := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		keys[i] = e.Key
	}
	return keys
}

// Status is the outcome class of a batch send.
type Status int

const (
	StatusAcknowledged Status = iota
	StatusRetryable
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusAcknowledged:
		return "acknowledged"
	case StatusRetryable:
		return "retryable"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// SendResult is what a Transport reports for one batch.
type SendResult struct {
	Status Status
	Err    error
}

func Acknowledged() SendResult { return SendResult{Status: StatusAcknowledged} }

// Retryable reports that the node rejected the batch because routing changed.
func Retryable(err error) SendResult {
	if err == nil {
		err = ErrNotOwner
	}
	return SendResult{Status: StatusRetryable, Err: err}
}

// Fatal reports a failure that re-sending cannot fix.
func Fatal(err error) SendResult {
	if err == nil {
		err = errors.New("batch rejected")
	}
	return SendResult{Status: StatusFatal, Err: err}
}

func (r SendResult) OK() bool { return r.Status == StatusAcknowledged }
