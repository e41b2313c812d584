package substrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// KVBucket wraps a single named JetStream KV bucket: string keys, opaque
// byte values, last-writer-wins, with an optional watch.
type KVBucket struct {
	kv jetstream.KeyValue
}

// EnsureKVBucket idempotently opens or creates bucket with history=1 (the
// default for all KV-backed state in this module — Identity and any future
// last-writer-wins data) and no TTL.
func (c *Client) EnsureKVBucket(ctx context.Context, bucket string) (*KVBucket, error) {
	kv, err := c.js.KeyValue(ctx, bucket)
	if err == nil {
		return &KVBucket{kv: kv}, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("lookup kv bucket %q: %w", bucket, err)
	}

	kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = c.js.KeyValue(ctx, bucket)
			if err != nil {
				return nil, fmt.Errorf("reopen kv bucket %q: %w", bucket, err)
			}
			return &KVBucket{kv: kv}, nil
		}
		return nil, fmt.Errorf("create kv bucket %q: %w", bucket, err)
	}
	return &KVBucket{kv: kv}, nil
}

// Get returns the raw value stored at key, or ErrNotFound.
func (b *KVBucket) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %q: %w", key, err)
	}
	return entry.Value(), nil
}

// Put writes value at key, last-writer-wins.
func (b *KVBucket) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (b *KVBucket) Delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// List returns all keys currently in the bucket.
func (b *KVBucket) List(ctx context.Context) ([]string, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

// WatchUpdate is a single change notification from Watch.
type WatchUpdate struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Watch streams updates for all keys in the bucket until ctx is cancelled.
func (b *KVBucket) Watch(ctx context.Context) (<-chan WatchUpdate, error) {
	watcher, err := b.kv.WatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	out := make(chan WatchUpdate)
	go func() {
		defer close(out)
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue // marks end of initial state replay
				}
				update := WatchUpdate{Key: entry.Key(), Value: entry.Value()}
				if entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge {
					update.Deleted = true
				}
				select {
				case out <- update:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
