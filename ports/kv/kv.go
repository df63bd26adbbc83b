// Package kv is the storage-engine port of a server node: how a node durably
// applies entries of a cache.
package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
)

type Store interface {
	Put(ctx context.Context, cache, key string, value []byte) error
	Get(ctx context.Context, cache, key string) ([]byte, error)
	Delete(ctx context.Context, cache, key string) error
}
