package adapter

import (
	"context"
	"sync"
	"time"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// KV is the subset of key-value operations the lock and bucketing layers
// need. Every method is a single round trip against the backing store.
type KV interface {
	// SetNX stores value under key only if key is absent. A positive ttl
	// arms an expiry on the new entry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the string stored at key. The boolean reports presence.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key unconditionally, replacing any expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes key and reports whether exactly one entry was removed.
	Del(ctx context.Context, key string) (bool, error)
	// CompareAndDelete removes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Expire sets a ttl on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HSetAll(ctx context.Context, key string, fields map[string]string) error
	// HSetAllExpire writes fields and arms ttl on key in one transaction.
	HSetAllExpire(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
}

type memEntry struct {
	value   string
	hash    map[string]string
	expires time.Time
}

// InMemoryKV is a KV backed by a map, used for tests and single process
// deployments. Expired entries are dropped lazily on access.
type InMemoryKV struct {
	mu    sync.Mutex
	items map[string]*memEntry
	now   func() time.Time
}

// InMemoryOption configures an InMemoryKV.
type InMemoryOption func(*InMemoryKV)

// WithClock replaces the clock used to evaluate expiry.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryKV) {
		s.now = now
	}
}

// NewInMemoryKV returns a new InMemoryKV.
func NewInMemoryKV(opts ...InMemoryOption) *InMemoryKV {
	s := &InMemoryKV{items: make(map[string]*memEntry), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for key. Callers hold s.mu.
func (s *InMemoryKV) lookup(key string) *memEntry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.items, key)
		return nil
	}
	return e
}

func (s *InMemoryKV) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// SetNX implements KV.SetNX.
func (s *InMemoryKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(key) != nil {
		return false, nil
	}
	s.items[key] = &memEntry{value: value, expires: s.deadline(ttl)}
	return true, nil
}

// Get implements KV.Get.
func (s *InMemoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.hash != nil {
		return "", false, kerrors.ErrWrongType
	}
	return e.value, true, nil
}

// Set implements KV.Set.
func (s *InMemoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.items[key] = &memEntry{value: value, expires: s.deadline(ttl)}
	s.mu.Unlock()
	return nil
}

// Del implements KV.Del.
func (s *InMemoryKV) Del(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(key) == nil {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// CompareAndDelete implements KV.CompareAndDelete.
func (s *InMemoryKV) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e != nil && e.hash != nil {
		return false, kerrors.ErrWrongType
	}
	if e == nil || e.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Expire implements KV.Expire.
func (s *InMemoryKV) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.items, key)
		return true, nil
	}
	e.expires = s.deadline(ttl)
	return true, nil
}

// HGet implements KV.HGet.
func (s *InMemoryKV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.hash == nil {
		return "", false, kerrors.ErrWrongType
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

// hashFor returns the hash at key, creating it when absent. Callers hold s.mu.
func (s *InMemoryKV) hashFor(key string) (*memEntry, error) {
	e := s.lookup(key)
	if e == nil {
		e = &memEntry{hash: make(map[string]string)}
		s.items[key] = e
	}
	if e.hash == nil {
		return nil, kerrors.ErrWrongType
	}
	return e, nil
}

// HSet implements KV.HSet.
func (s *InMemoryKV) HSet(ctx context.Context, key, field, value string) error {
	return s.HSetAll(ctx, key, map[string]string{field: value})
}

// HSetAll implements KV.HSetAll.
func (s *InMemoryKV) HSetAll(ctx context.Context, key string, fields map[string]string) error {
	return s.HSetAllExpire(ctx, key, fields, 0)
}

// HSetAllExpire implements KV.HSetAllExpire. A non-positive ttl keeps the
// current expiry of the hash.
func (s *InMemoryKV) HSetAllExpire(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.hashFor(key)
	if err != nil {
		return err
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	if ttl > 0 {
		e.expires = s.deadline(ttl)
	}
	return nil
}

// HDel implements KV.HDel.
func (s *InMemoryKV) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return 0, nil
	}
	if e.hash == nil {
		return 0, kerrors.ErrWrongType
	}
	var n int64
	for _, f := range fields {
		if _, ok := e.hash[f]; ok {
			delete(e.hash, f)
			n++
		}
	}
	if len(e.hash) == 0 {
		delete(s.items, key)
	}
	return n, nil
}
