package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/streamr/core/cluster"
	"github.com/codewandler/streamr/internal/codec"
)

type TransportConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix for node subjects, e.g. "streamr" -> streamr.node.<id>
}

// Transport sends batches to server nodes with NATS request/reply. Each node
// serves the subject <prefix>.node.<id>, see Serve.
type Transport struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
	codec   codec.Codec

	mu   sync.Mutex
	subs map[*natsgo.Subscription]struct{}

	closed atomic.Bool
}

// responseFrame is the reply to a batch. Code carries the identity of a
// cluster sentinel error across the wire.
type responseFrame struct {
	Status cluster.Status `json:"status"`
	Err    string         `json:"err,omitempty"`
	Code   string         `json:"code,omitempty"`
}

var errorCodes = map[string]error{
	"not_owner":            cluster.ErrNotOwner,
	"topology_unavailable": cluster.ErrTopologyUnavailable,
	"cache_required":       cluster.ErrCacheRequired,
	"transport_closed":     cluster.ErrTransportClosed,
}

// remoteError is an error reported by a node.
type remoteError struct {
	msg   string
	cause error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.cause }

func NewTransport(cfg TransportConfig) (*Transport, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "streamr"
	}

	t := &Transport{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats")),
		prefix:  prefix,
		codec:   codec.JSONCodec{},
		subs:    make(map[*natsgo.Subscription]struct{}),
	}

	return t, nil
}

// subjectNode returns the subject served by a node.
func (t *Transport) subjectNode(nodeID string) string {
	return t.prefix + ".node." + nodeID
}

func (t *Transport) SendBatch(ctx context.Context, node string, b cluster.Batch) cluster.SendResult {
	if t.closed.Load() {
		return cluster.Fatal(cluster.ErrTransportClosed)
	}

	payload, err := t.codec.Marshal(b)
	if err != nil {
		return cluster.Fatal(fmt.Errorf("encode batch: %w", err))
	}

	msg, err := t.nc.RequestWithContext(ctx, t.subjectNode(node), payload)
	if err != nil {
		if errors.Is(err, natsgo.ErrNoResponders) {
			return cluster.Fatal(fmt.Errorf("%w: %s", cluster.ErrNodeUnreachable, node))
		}
		return cluster.Fatal(fmt.Errorf("nats: request: %w", err))
	}

	var rf responseFrame
	if err := t.codec.Unmarshal(msg.Data, &rf); err != nil {
		return cluster.Fatal(fmt.Errorf("decode response: %w", err))
	}
	if rf.Status == cluster.StatusAcknowledged {
		return cluster.Acknowledged()
	}
	return cluster.SendResult{Status: rf.Status, Err: &remoteError{msg: rf.Err, cause: errorCodes[rf.Code]}}
}

// Serve makes node reachable on its subject until ctx is done or the
// subscription is removed.
func (t *Transport) Serve(ctx context.Context, node *cluster.Node) (cluster.Subscription, error) {
	if t.closed.Load() {
		return nil, cluster.ErrTransportClosed
	}
	subj := t.subjectNode(node.ID())
	log := t.log.With(slog.String("node", node.ID()))

	sub, err := t.nc.Subscribe(subj, func(msg *natsgo.Msg) {
		var rf responseFrame

		var b cluster.Batch
		if err := t.codec.Unmarshal(msg.Data, &b); err != nil {
			log.Error("failed to decode batch", slog.Any("error", err))
			rf = responseFrame{Status: cluster.StatusFatal, Err: fmt.Sprintf("decode batch: %v", err)}
		} else {
			res := node.Apply(ctx, b)
			rf.Status = res.Status
			if res.Err != nil {
				rf.Err = res.Err.Error()
				rf.Code = errorCode(res.Err)
			}
		}

		data, err := t.codec.Marshal(rf)
		if err != nil {
			log.Error("failed to encode reply", slog.Any("error", err))
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Error("failed to publish reply", slog.Any("error", err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe node: %w", err)
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	s := &subscription{sub: sub, t: t}
	context.AfterFunc(ctx, func() { _ = s.Unsubscribe() })

	log.Debug("serving", slog.String("subject", subj))
	return s, nil
}

func errorCode(err error) string {
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return cluster.ErrTransportClosed
	}
	t.mu.Lock()
	for s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.subs = map[*natsgo.Subscription]struct{}{}
	t.mu.Unlock()
	if t.nc != nil {
		_ = t.nc.Drain()
		t.closeNc()
	}
	return nil
}

type subscription struct {
	sub *natsgo.Subscription
	t   *Transport
}

func (s *subscription) Unsubscribe() error {
	s.t.mu.Lock()
	_, ok := s.t.subs[s.sub]
	delete(s.t.subs, s.sub)
	s.t.mu.Unlock()
	if !ok {
		return nil
	}
	return s.sub.Unsubscribe()
}

var _ cluster.Transport = (*Transport)(nil)
