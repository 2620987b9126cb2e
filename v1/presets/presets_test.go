package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-keylock/v1/config"
	"github.com/mirkobrombin/go-keylock/v1/events"
	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

func baseConfig(t *testing.T, mr *miniredis.Miniredis) config.Config {
	t.Helper()
	cfg := config.FromViper(config.NewViper())
	cfg.Redis.Addr = mr.Addr()
	return cfg
}

func newStack(t *testing.T, cfg config.Config, opts ...Option) *Stack {
	t.Helper()
	s, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new stack: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewPollingStack(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := baseConfig(t, mr)
	cfg.Bus.Kind = config.BusRedis
	s := newStack(t, cfg)
	if s.Service != nil || s.Expiry != nil {
		t.Fatalf("unexpected optional components %+v", s)
	}
	if _, ok := s.Bus.(*syncbus.RedisBus); !ok {
		t.Fatalf("expected redis bus, got %T", s.Bus)
	}

	ctx := context.Background()
	h, err := s.Locker.TryAcquire(ctx, "order:42", 0, time.Minute)
	if err != nil || h == nil {
		t.Fatalf("try acquire: %v", err)
	}
	if !mr.Exists("lock:order:42") {
		t.Fatal("lock record not written to redis")
	}
	if !s.Locker.Release(ctx, h) {
		t.Fatal("release failed")
	}
}

func TestNewManagedStackWithExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := baseConfig(t, mr)
	cfg.Lock.Variant = "managed"
	cfg.Lock.Fair = true
	cfg.Expiry.Enabled = true
	s := newStack(t, cfg)
	if s.Service == nil || s.Expiry == nil {
		t.Fatal("managed service and expiry listener expected")
	}
	if s.Locker.Variant() != lock.VariantManaged {
		t.Fatalf("unexpected variant %q", s.Locker.Variant())
	}

	ctx := context.Background()
	expired, err := s.Bus.Subscribe(ctx, syncbus.ExpiredTopic("lock:job"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	stream, err := s.Events.Watch(ctx, "jo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	mr.Publish("__keyevent@0__:expired", "lock:job")
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("expiry event not forwarded")
	}
	select {
	case ev := <-stream:
		if ev.Kind != events.Expired || ev.Key != "job" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expiry event not streamed")
	}

	h, err := s.Locker.TryAcquire(ctx, "job", 0, 0)
	if err != nil || h == nil {
		t.Fatalf("try acquire: %v", err)
	}
	if !s.Locker.Release(ctx, h) {
		t.Fatal("release failed")
	}
}

func TestInjectedClientIsNotClosed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s, err := New(context.Background(), baseConfig(t, mr), WithRedisClient(client))
	if err != nil {
		t.Fatalf("new stack: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("injected client closed: %v", err)
	}
}

func TestNewFailsFast(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	cfg := baseConfig(t, mr)
	mr.Close()
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error with redis down")
	}

	cfg.Bus.Kind = "smoke-signals"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestZip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := baseConfig(t, mr)
	cfg.Partition.Enabled = true
	s := newStack(t, cfg)
	store := Zip[int](s)
	ctx := context.Background()

	if err := store.Put(ctx, "user", "u:1", 7); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.Get(ctx, "user", "u:1")
	if err != nil || !ok || got != 7 {
		t.Fatalf("get = %d %v %v", got, ok, err)
	}
	key, _ := store.Locate("user", "u:1")
	if key == "user" {
		t.Fatal("partitioned store must bucket the hash key")
	}
}

func TestNewInMemory(t *testing.T) {
	for _, variant := range []lock.Variant{lock.VariantPolling, lock.VariantManaged} {
		l, err := NewInMemory(lock.Config{Variant: variant})
		if err != nil {
			t.Fatalf("%s: %v", variant, err)
		}
		ctx := context.Background()
		h, err := l.TryAcquire(ctx, "k", 0, time.Minute)
		if err != nil || h == nil {
			t.Fatalf("%s: try acquire: %v", variant, err)
		}
		if other, _ := l.TryAcquire(ctx, "k", 0, time.Minute); other != nil {
			t.Fatalf("%s: second acquire succeeded", variant)
		}
		if !l.Release(ctx, h) {
			t.Fatalf("%s: release failed", variant)
		}
	}
}
