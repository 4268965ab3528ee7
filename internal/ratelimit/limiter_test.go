package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestKeySanitizesIPv6(t *testing.T) {
	got := Key("2001:db8::1", "signature")
	want := "signet:ratelimit:2001_db8__1:signature"
	if got != want {
		t.Fatalf("Key = %q, want %q", got, want)
	}
	if got := Key("", "signature"); got != "signet:ratelimit:unknown:signature" {
		t.Fatalf("Key for empty addr = %q", got)
	}
}

func TestMemoryLimiterDeniesOverLimit(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()
	key := Key("10.0.0.1", "signature")

	for i := 0; i < 10; i++ {
		d, err := l.Allow(ctx, key, 10, time.Hour)
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d unexpectedly denied", i+1)
		}
	}

	d, err := l.Allow(ctx, key, 10, time.Hour)
	if err != nil {
		t.Fatalf("Allow 11th: %v", err)
	}
	if d.Allowed {
		t.Fatal("11th attempt should be denied")
	}
	if d.Remaining != 0 {
		t.Fatalf("denied decision remaining = %d", d.Remaining)
	}
}

func TestMemoryLimiterIsolatesClients(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	blocked := Key("10.0.0.1", "signature")
	for i := 0; i < 11; i++ {
		_, _ = l.Allow(ctx, blocked, 10, time.Hour)
	}

	d, err := l.Allow(ctx, Key("10.0.0.2", "signature"), 10, time.Hour)
	if err != nil {
		t.Fatalf("Allow other client: %v", err)
	}
	if !d.Allowed {
		t.Fatal("different client in the same window must be allowed")
	}
}

func TestMemoryLimiterSeparatesEndpointClasses(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		_, _ = l.Allow(ctx, Key("10.0.0.1", "signature"), 10, time.Hour)
	}
	d, err := l.Allow(ctx, Key("10.0.0.1", "display"), 10, time.Hour)
	if err != nil {
		t.Fatalf("Allow other endpoint class: %v", err)
	}
	if !d.Allowed {
		t.Fatal("other endpoint class must have its own counter")
	}
}

func TestRedisLimiterFailsOpenWhenStoreUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := NewRedis(client)
	d, err := l.Allow(context.Background(), Key("10.0.0.1", "signature"), 10, time.Hour)
	if err == nil {
		t.Fatal("expected a store error from an unreachable Redis")
	}
	if !d.Allowed {
		t.Fatal("fail-open: decision must allow the request")
	}
	if !d.Degraded {
		t.Fatal("fail-open decision must be marked degraded")
	}
}
