package streamer

import (
	"context"
	"fmt"

	"github.com/codewandler/streamr/internal/codec"
)

// Typed streams Go values: keys are rendered with codec.Key and values are
// encoded with a codec (JSON by default).
type Typed[K comparable, V any] struct {
	s     *Streamer
	codec codec.Codec
}

func NewTyped[K comparable, V any](s *Streamer) *Typed[K, V] {
	return &Typed[K, V]{s: s, codec: codec.JSONCodec{}}
}

func (t *Typed[K, V]) Streamer() *Streamer { return t.s }

func (t *Typed[K, V]) Add(ctx context.Context, key K, value V) error {
	k, err := codec.Key(key)
	if err != nil {
		return err
	}
	b, err := t.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for key %s: %w", k, err)
	}
	return t.s.Add(ctx, k, b)
}

func (t *Typed[K, V]) Remove(ctx context.Context, key K) error {
	k, err := codec.Key(key)
	if err != nil {
		return err
	}
	return t.s.Remove(ctx, k)
}

func (t *Typed[K, V]) Flush(ctx context.Context) error { return t.s.Flush(ctx) }
func (t *Typed[K, V]) Close(ctx context.Context) error { return t.s.Close(ctx) }
