package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/streamr/ports/kv"
)

type KvConfig struct {
	Connect  Connector
	Bucket   string                // default "streamr"
	Storage  jetstream.StorageType // default file storage
	MaxBytes int64                 // default unlimited
}

// KvStore is a kv.Store on a JetStream key/value bucket, usable as the
// storage engine of a server node. Several caches share one bucket.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "streamr"
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	bkt, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  cfg.Storage,
		MaxBytes: maxBytes,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}

	return &KvStore{kv: bkt, closeNc: closeNc}, nil
}

// storeKey maps (cache, key) to a valid JetStream key. Keys may only
// contain [-/_=.a-zA-Z0-9], so both parts are base64url encoded.
func storeKey(cache, key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cache)) + "." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (k *KvStore) Put(ctx context.Context, cache, key string, value []byte) error {
	if _, err := k.kv.Put(ctx, storeKey(cache, key), value); err != nil {
		return fmt.Errorf("put %s/%s: %w", cache, key, err)
	}
	return nil
}

func (k *KvStore) Get(ctx context.Context, cache, key string) ([]byte, error) {
	v, err := k.kv.Get(ctx, storeKey(cache, key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", cache, key, err)
	}
	return v.Value(), nil
}

func (k *KvStore) Delete(ctx context.Context, cache, key string) error {
	if err := k.kv.Delete(ctx, storeKey(cache, key)); err != nil {
		return fmt.Errorf("delete %s/%s: %w", cache, key, err)
	}
	return nil
}

// Close releases the connection.
func (k *KvStore) Close() {
	k.closeNc()
}

var _ kv.Store = (*KvStore)(nil)
