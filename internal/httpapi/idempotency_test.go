package httpapi

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func exerciseIdempotency(t *testing.T, s IdempotencyStore, key string) {
	t.Helper()
	ctx := context.Background()

	prior, err := s.Begin(ctx, key)
	if err != nil || prior != "" {
		t.Fatalf("first Begin = %q, %v", prior, err)
	}
	if _, err := s.Begin(ctx, key); !errors.Is(err, ErrKeyInFlight) {
		t.Fatalf("concurrent Begin err = %v, want ErrKeyInFlight", err)
	}
	if err := s.Finish(ctx, key, "don_1"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	prior, err = s.Begin(ctx, key)
	if err != nil || prior != "don_1" {
		t.Fatalf("replay Begin = %q, %v", prior, err)
	}

	if err := s.Abort(ctx, key); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	prior, err = s.Begin(ctx, key)
	if err != nil || prior != "" {
		t.Fatalf("Begin after Abort = %q, %v", prior, err)
	}
	_ = s.Abort(ctx, key)
}

func TestMemoryIdempotency(t *testing.T) {
	exerciseIdempotency(t, NewMemoryIdempotency(time.Minute), "idem:donation:u1:k1")
}

func TestMemoryIdempotencyExpires(t *testing.T) {
	s := NewMemoryIdempotency(time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := s.Begin(ctx, "k"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_ = s.Finish(ctx, "k", "req_1")
	now = now.Add(2 * time.Minute)
	prior, err := s.Begin(ctx, "k")
	if err != nil || prior != "" {
		t.Fatalf("expired key should be claimable, got %q, %v", prior, err)
	}
}

func TestRedisIdempotency(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	exerciseIdempotency(t, NewRedisIdempotency(client, time.Minute), "idem:test:"+time.Now().Format(time.RFC3339Nano))
}
