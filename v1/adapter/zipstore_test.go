package adapter_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	"github.com/mirkobrombin/go-keylock/v1/partition"
)

type user struct {
	Name string
	Age  int
}

func TestZipStoreBucketedRoundTrip(t *testing.T) {
	s, ctx, mr, _ := newRedisKVWithServer(t)
	p, err := partition.New(partition.Config{Enabled: true})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	zs := adapter.NewZipStore[user](s, p)

	want := user{Name: "Alice", Age: 21}
	if err := zs.Put(ctx, "UserList", "zs", want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	key, field := zs.Locate("UserList", "zs")
	if key != p.BucketOf("UserList") || field != p.FieldOf("zs") {
		t.Fatalf("unexpected location %s/%s", key, field)
	}
	if raw := mr.HGet(key, field); raw != `{"Name":"Alice","Age":21}` {
		t.Fatalf("unexpected stored value %q", raw)
	}
	got, ok, err := zs.Get(ctx, "UserList", "zs")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if n, err := zs.Delete(ctx, "UserList", "zs"); err != nil || n != 1 {
		t.Fatalf("Delete: n=%d err=%v", n, err)
	}
	if _, ok, _ := zs.Get(ctx, "UserList", "zs"); ok {
		t.Fatal("expected value removed")
	}
}

func TestZipStoreStringsStoredVerbatim(t *testing.T) {
	kv := adapter.NewInMemoryKV()
	p, _ := partition.New(partition.Config{})
	zs := adapter.NewZipStore[string](kv, p, adapter.WithNamespace("z:"))
	ctx := context.Background()
	if err := zs.Put(ctx, "session", "token", "This's a token."); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if raw, ok, _ := kv.HGet(ctx, "z:session", "token"); !ok || raw != "This's a token." {
		t.Fatalf("expected verbatim string, got %q ok=%v", raw, ok)
	}
	if v, ok, _ := zs.Get(ctx, "session", "token"); !ok || v != "This's a token." {
		t.Fatalf("Get: %q ok=%v", v, ok)
	}
}

func TestZipStoreFieldCollisionOverwrites(t *testing.T) {
	kv := adapter.NewInMemoryKV()
	p, _ := partition.NewFixed(4)
	zs := adapter.NewZipStore[string](kv, p)
	ctx := context.Background()
	// "Aa" and "BB" share the same polynomial hash.
	if partition.FieldHash("Aa") != partition.FieldHash("BB") {
		t.Fatal("expected colliding fields")
	}
	_ = zs.Put(ctx, "h", "Aa", "first")
	_ = zs.Put(ctx, "h", "BB", "second")
	if v, _, _ := zs.Get(ctx, "h", "Aa"); v != "second" {
		t.Fatalf("expected silent overwrite, got %q", v)
	}
}

func TestZipStorePutAllExpire(t *testing.T) {
	s, ctx, mr, _ := newRedisKVWithServer(t)
	p, _ := partition.New(partition.Config{Enabled: true})
	zs := adapter.NewZipStore[map[string]any](s, p, adapter.WithCodec(adapter.JSONCodec{}))
	values := map[string]map[string]any{
		"user":  {"id": float64(8), "nickname": "13566669999"},
		"token": {"v": "abc"},
	}
	if err := zs.PutAllExpire(ctx, "lock:hkey", values, 3*time.Minute); err != nil {
		t.Fatalf("PutAllExpire: %v", err)
	}
	key, _ := zs.Locate("lock:hkey", "user")
	if ttl := mr.TTL(key); ttl != 3*time.Minute {
		t.Fatalf("expected ttl 3m, got %v", ttl)
	}
	got, ok, err := zs.Get(ctx, "lock:hkey", "user")
	if err != nil || !ok || !reflect.DeepEqual(got, values["user"]) {
		t.Fatalf("Get: %v ok=%v err=%v", got, ok, err)
	}
	if err := zs.PutAll(ctx, "other", map[string]map[string]any{"x": {"y": "z"}}); err != nil {
		t.Fatalf("PutAll: %v", err)
	}
}
