package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb)
}

func TestGetSetRoundtrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	if err := c.Set(ctx, "epg:now:1", []byte("hello"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := c.Get(ctx, "epg:now:1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(v) != "hello" {
		t.Fatalf("got %q", v)
	}
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestDelPattern(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, "epg:now:1", []byte("a"), time.Minute)
	c.Set(ctx, "epg:next:1", []byte("b"), time.Minute)
	c.Set(ctx, "other:1", []byte("c"), time.Minute)
	if err := c.DelPattern(ctx, "epg:*"); err != nil {
		t.Fatalf("DelPattern: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "epg:now:1"); ok {
		t.Fatalf("expected epg:now:1 evicted")
	}
	if _, ok, _ := c.Get(ctx, "other:1"); !ok {
		t.Fatalf("expected other:1 to survive")
	}
}
