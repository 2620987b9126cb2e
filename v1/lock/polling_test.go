package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisPolling(t *testing.T, opts ...PollingOption) (*Polling, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewPolling(adapter.NewRedisKV(client), opts...), mr
}

func TestRecordEncodeParse(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	raw := Record{AcquiredAt: at, Owner: "node-1$T$x"}.Encode()
	if raw != "1700000000123$T$node-1$T$x" {
		t.Fatalf("unexpected encoding %q", raw)
	}
	rec, err := ParseRecord(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !rec.AcquiredAt.Equal(at) || rec.Owner != "node-1$T$x" {
		t.Fatalf("unexpected record %+v", rec)
	}
	for _, bad := range []string{"", "garbage", "$T$owner", "12x$T$owner"} {
		if _, err := ParseRecord(bad); !errors.Is(err, kerrors.ErrMalformedRecord) {
			t.Fatalf("expected ErrMalformedRecord for %q, got %v", bad, err)
		}
	}
}

func TestPollingRoundTrip(t *testing.T) {
	p := NewPolling(adapter.NewInMemoryKV())
	ctx := context.Background()

	if ok, err := p.TryLock(ctx, "k", "a", time.Minute); err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	if ok, _ := p.TryLock(ctx, "k", "b", time.Minute); ok {
		t.Fatal("expected lock held")
	}
	if p.Release(ctx, "k", "b") {
		t.Fatal("release by non owner must fail")
	}
	if !p.Release(ctx, "k", "a") {
		t.Fatal("release by owner failed")
	}
	if _, found, _ := p.Holder(ctx, "k"); found {
		t.Fatal("expected record removed")
	}
	if p.Release(ctx, "k", "a") {
		t.Fatal("second release must fail")
	}
	if ok, _ := p.TryLock(ctx, "k", "b", time.Minute); !ok {
		t.Fatal("expected immediate re-acquire")
	}
}

func TestPollingStaleScenario(t *testing.T) {
	clock := newFakeClock()
	p, mr := newRedisPolling(t, WithClock(clock.Now))
	ctx := context.Background()
	start := clock.Now()

	if ok, _ := p.TryLock(ctx, "order:42", "a", 3*time.Second); !ok {
		t.Fatal("initial acquire failed")
	}
	if ttl := mr.TTL("lock:order:42"); ttl != 3*time.Second {
		t.Fatalf("expected 3s ttl, got %v", ttl)
	}

	clock.Advance(time.Second)
	if ok, _ := p.TryLock(ctx, "order:42", "b", 3*time.Second); ok {
		t.Fatal("lock acquired while held")
	}
	rec, _, _ := p.Holder(ctx, "order:42")
	if !rec.AcquiredAt.Equal(start) {
		t.Fatal("live record must not be touched")
	}

	// The store never expired the record; 19s exceeds lease plus skew.
	clock.Advance(18 * time.Second)
	mr.SetTTL("lock:order:42", time.Hour)
	if ok, _ := p.TryLock(ctx, "order:42", "b", 3*time.Second); ok {
		t.Fatal("repairing attempt must not acquire")
	}
	rec, _, _ = p.Holder(ctx, "order:42")
	if !rec.AcquiredAt.Equal(clock.Now()) || rec.Owner != "a" {
		t.Fatalf("expected repaired record for a at %v, got %+v", clock.Now(), rec)
	}
	if ttl := mr.TTL("lock:order:42"); ttl != 3*time.Second {
		t.Fatalf("expected re-armed ttl 3s, got %v", ttl)
	}

	mr.FastForward(3 * time.Second)
	if ok, _ := p.TryLock(ctx, "order:42", "b", 3*time.Second); !ok {
		t.Fatal("expected acquire after repaired record expired")
	}
}

func TestConfigZeroSkewAllowance(t *testing.T) {
	clock := newFakeClock()
	p, mr := newRedisPolling(t)
	p = Config{Clock: clock.Now, SkewAllowance: 0}.NewPolling(p.kv)
	ctx := context.Background()

	if ok, _ := p.TryLock(ctx, "k", "a", 3*time.Second); !ok {
		t.Fatal("initial acquire failed")
	}
	// Past the lease but well within the default allowance.
	clock.Advance(4 * time.Second)
	mr.SetTTL("lock:k", time.Hour)
	if ok, _ := p.TryLock(ctx, "k", "b", 3*time.Second); ok {
		t.Fatal("repairing attempt must not acquire")
	}
	rec, _, _ := p.Holder(ctx, "k")
	if !rec.AcquiredAt.Equal(clock.Now()) {
		t.Fatalf("expected record repaired without skew allowance, got %+v", rec)
	}
}

func TestPollingClampsLease(t *testing.T) {
	p, mr := newRedisPolling(t)
	if ok, _ := p.TryLock(context.Background(), "k", "a", 48*time.Hour); !ok {
		t.Fatal("trylock failed")
	}
	if ttl := mr.TTL("lock:k"); ttl != MaxLease {
		t.Fatalf("expected ttl clamped to %v, got %v", MaxLease, ttl)
	}
}

func TestPollingWaitBound(t *testing.T) {
	p := NewPolling(adapter.NewInMemoryKV())
	ctx := context.Background()
	_, _ = p.TryLock(ctx, "k", "a", time.Minute)

	start := time.Now()
	ok, err := p.Acquire(ctx, "k", "b", time.Minute, time.Second)
	elapsed := time.Since(start)
	if err != nil || ok {
		t.Fatalf("expected failure, ok %v err %v", ok, err)
	}
	if elapsed < 900*time.Millisecond || elapsed > 1600*time.Millisecond {
		t.Fatalf("wait bound not respected: %v", elapsed)
	}
}

func TestPollingAcquireAfterRelease(t *testing.T) {
	p := NewPolling(adapter.NewInMemoryKV(), WithPollInterval(10*time.Millisecond))
	ctx := context.Background()
	_, _ = p.TryLock(ctx, "k", "a", time.Minute)

	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Release(ctx, "k", "a")
	}()
	if ok, _ := p.Acquire(ctx, "k", "b", time.Minute, time.Second); !ok {
		t.Fatal("expected waiter to acquire after release")
	}
}

func TestPollingInterruptedWait(t *testing.T) {
	p := NewPolling(adapter.NewInMemoryKV())
	_, _ = p.TryLock(context.Background(), "k", "a", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	ok, err := p.Acquire(ctx, "k", "b", time.Minute, 10*time.Second)
	if err != nil || ok {
		t.Fatalf("expected silent failure, ok %v err %v", ok, err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatal("interrupted wait did not return promptly")
	}
}

func TestPollingMalformedRecordLeftUntouched(t *testing.T) {
	kv := adapter.NewInMemoryKV()
	p := NewPolling(kv)
	ctx := context.Background()
	_ = kv.Set(ctx, "lock:k", "legacy-value", time.Minute)

	if ok, err := p.TryLock(ctx, "k", "a", time.Second); err != nil || ok {
		t.Fatalf("expected failure, ok %v err %v", ok, err)
	}
	if v, _, _ := kv.Get(ctx, "lock:k"); v != "legacy-value" {
		t.Fatalf("malformed record modified: %q", v)
	}
	if p.Release(ctx, "k", "a") {
		t.Fatal("release of malformed record must fail")
	}
}

func TestPollingStoreErrorsAreFailures(t *testing.T) {
	p, mr := newRedisPolling(t)
	mr.Close()
	ok, err := p.Acquire(context.Background(), "k", "a", time.Second, 50*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected failed attempt without error, ok %v err %v", ok, err)
	}
	if p.Release(context.Background(), "k", "a") {
		t.Fatal("release must fail when the store is down")
	}
}

func TestPollingValidation(t *testing.T) {
	p := NewPolling(adapter.NewInMemoryKV())
	ctx := context.Background()
	if _, err := p.TryLock(ctx, "k", "a", 0); !errors.Is(err, kerrors.ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease, got %v", err)
	}
	if _, err := p.TryLock(ctx, "k", "a", -time.Second); !errors.Is(err, kerrors.ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease, got %v", err)
	}
	if _, err := p.Acquire(ctx, "k", "a", time.Second, -time.Second); !errors.Is(err, kerrors.ErrInvalidWait) {
		t.Fatalf("expected ErrInvalidWait, got %v", err)
	}
	if _, err := p.TryLock(ctx, "k", "", time.Second); !errors.Is(err, kerrors.ErrEmptyOwner) {
		t.Fatalf("expected ErrEmptyOwner, got %v", err)
	}
}

func TestPollingForceRelease(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	p := NewPolling(adapter.NewInMemoryKV(), WithBus(bus))
	ctx := context.Background()
	_, _ = p.TryLock(ctx, "k", "a", time.Minute)

	ch, _ := bus.Subscribe(ctx, syncbus.UnlockTopic("k"))
	if !p.ForceRelease(ctx, "k") {
		t.Fatal("force release failed")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected unlock event")
	}
	if p.ForceRelease(ctx, "k") {
		t.Fatal("force release of a free lock must report false")
	}
}

func TestPollingBusWakesWaiter(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	p := NewPolling(adapter.NewInMemoryKV(), WithBus(bus), WithPollInterval(5*time.Second))
	ctx := context.Background()
	_, _ = p.TryLock(ctx, "k", "a", time.Minute)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(ctx, "k", "a")
	}()
	start := time.Now()
	if ok, _ := p.Acquire(ctx, "k", "b", time.Minute, 10*time.Second); !ok {
		t.Fatal("expected acquire after unlock event")
	}
	if time.Since(start) > time.Second {
		t.Fatal("waiter slept through the unlock event")
	}
}

func TestPollingExpiryEventWakesWaiter(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	kv := adapter.NewInMemoryKV()
	p := NewPolling(kv, WithBus(bus), WithPollInterval(5*time.Second))
	ctx := context.Background()
	_, _ = p.TryLock(ctx, "k", "a", time.Minute)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = kv.Del(ctx, "lock:k")
		_ = bus.Publish(ctx, syncbus.ExpiredTopic("lock:k"))
	}()
	start := time.Now()
	if ok, _ := p.Acquire(ctx, "k", "b", time.Minute, 10*time.Second); !ok {
		t.Fatal("expected acquire after expiry event")
	}
	if time.Since(start) > time.Second {
		t.Fatal("waiter slept through the expiry event")
	}
}

func TestPollingAtMostOneAcquirer(t *testing.T) {
	p, _ := newRedisPolling(t)
	ctx := context.Background()
	var winners atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 32; i++ {
		owner := NewOwnerToken()
		g.Go(func() error {
			ok, err := p.TryLock(gctx, "contended", owner, time.Minute)
			if ok {
				winners.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("trylock: %v", err)
	}
	if n := winners.Load(); n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
}
