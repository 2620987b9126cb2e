package adapter

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/partition"
)

// ZipStore stores values as fields of Redis hashes addressed through a
// Partitioner. With bucketing enabled many logical hashes share one bucket
// and fields are replaced by their derived identifiers, so a field collision
// overwrites the earlier value.
//
// T represents the type of values stored.
type ZipStore[T any] struct {
	kv        KV
	part      *partition.Partitioner
	codec     Codec
	namespace string
}

// ZipOption configures a ZipStore.
type ZipOption func(*zipOptions)

type zipOptions struct {
	codec     Codec
	namespace string
}

// WithCodec sets the value codec. TextCodec is used by default.
func WithCodec(c Codec) ZipOption {
	return func(o *zipOptions) {
		o.codec = c
	}
}

// WithNamespace prefixes every physical bucket key.
func WithNamespace(ns string) ZipOption {
	return func(o *zipOptions) {
		o.namespace = ns
	}
}

// NewZipStore returns a ZipStore writing through kv.
func NewZipStore[T any](kv KV, p *partition.Partitioner, opts ...ZipOption) *ZipStore[T] {
	o := zipOptions{codec: TextCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &ZipStore[T]{kv: kv, part: p, codec: o.codec, namespace: o.namespace}
}

// Locate returns the physical key and field used for hashKey and item.
func (s *ZipStore[T]) Locate(hashKey, item string) (key, field string) {
	return s.namespace + s.part.BucketOf(hashKey), s.part.FieldOf(item)
}

// Put stores value at item of hashKey.
func (s *ZipStore[T]) Put(ctx context.Context, hashKey, item string, value T) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	key, field := s.Locate(hashKey, item)
	return s.kv.HSet(ctx, key, field, string(data))
}

// Get returns the value at item of hashKey. The boolean reports presence.
func (s *ZipStore[T]) Get(ctx context.Context, hashKey, item string) (T, bool, error) {
	var zero T
	key, field := s.Locate(hashKey, item)
	raw, ok, err := s.kv.HGet(ctx, key, field)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := s.codec.Unmarshal([]byte(raw), &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Delete removes items of hashKey and returns how many were present.
func (s *ZipStore[T]) Delete(ctx context.Context, hashKey string, items ...string) (int64, error) {
	key := s.namespace + s.part.BucketOf(hashKey)
	fields := make([]string, len(items))
	for i, it := range items {
		fields[i] = s.part.FieldOf(it)
	}
	return s.kv.HDel(ctx, key, fields...)
}

// PutAll stores every entry of values under hashKey.
func (s *ZipStore[T]) PutAll(ctx context.Context, hashKey string, values map[string]T) error {
	key, fields, err := s.encodeAll(hashKey, values)
	if err != nil {
		return err
	}
	return s.kv.HSetAll(ctx, key, fields)
}

// PutAllExpire stores values and arms ttl on the bucket in one transaction.
// The ttl applies to the whole bucket, which other logical hashes may share.
func (s *ZipStore[T]) PutAllExpire(ctx context.Context, hashKey string, values map[string]T, ttl time.Duration) error {
	key, fields, err := s.encodeAll(hashKey, values)
	if err != nil {
		return err
	}
	return s.kv.HSetAllExpire(ctx, key, fields, ttl)
}

func (s *ZipStore[T]) encodeAll(hashKey string, values map[string]T) (string, map[string]string, error) {
	fields := make(map[string]string, len(values))
	for item, v := range values {
		data, err := s.codec.Marshal(v)
		if err != nil {
			return "", nil, err
		}
		fields[s.part.FieldOf(item)] = string(data)
	}
	return s.namespace + s.part.BucketOf(hashKey), fields, nil
}
