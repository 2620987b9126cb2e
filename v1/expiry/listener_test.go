package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
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
	return client, mr
}

func TestChannel(t *testing.T) {
	if got := New(nil).Channel(); got != "__keyevent@0__:expired" {
		t.Fatalf("unexpected channel %q", got)
	}
	if got := New(nil, WithDB(3)).Channel(); got != "__keyevent@3__:expired" {
		t.Fatalf("unexpected channel %q", got)
	}
	if got := New(nil, WithDB(AllDBs)).Channel(); got != "__keyevent@*__:expired" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestListenerForwardsExpirations(t *testing.T) {
	client, mr := newClient(t)
	bus := syncbus.NewInMemoryBus()
	ctx := context.Background()

	keys := make(chan string, 1)
	l := New(client, WithBus(bus), WithHandler(func(_ context.Context, key string) {
		keys <- key
	}))
	busCh, err := bus.Subscribe(ctx, syncbus.ExpiredTopic("lock:order:42"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := l.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Close()

	mr.Publish("__keyevent@0__:expired", "lock:order:42")

	select {
	case key := <-keys:
		if key != "lock:order:42" {
			t.Fatalf("unexpected key %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	select {
	case <-busCh:
	case <-time.After(time.Second):
		t.Fatal("expiry not forwarded to bus")
	}
}

func TestListenerIgnoresOtherDatabases(t *testing.T) {
	client, mr := newClient(t)
	keys := make(chan string, 1)
	l := New(client, WithHandler(func(_ context.Context, key string) { keys <- key }))
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Close()

	mr.Publish("__keyevent@1__:expired", "other")
	select {
	case key := <-keys:
		t.Fatalf("unexpected event for %q", key)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenerStartTwiceAndClose(t *testing.T) {
	client, _ := newClient(t)
	l := New(client, WithNotifyConfig(true))
	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestListenerStartFailsWhenServerDown(t *testing.T) {
	client, mr := newClient(t)
	mr.Close()
	if err := New(client).Start(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}
}
