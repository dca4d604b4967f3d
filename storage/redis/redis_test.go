package redis

import (
	"context"
	"testing"

	"github.com/ggoodman/pkgd/storage"
	"github.com/ggoodman/pkgd/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

func TestRedisStorage(t *testing.T) {
	// Skip test if Redis is not available
	ping := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2, // Use separate DB for storage tests
	})
	ctx := context.Background()
	if err := ping.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	_ = ping.Close()

	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 2})
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("FlushDB() failed: %v", err)
		}
		s, err := New(Config{Client: client})
		if err != nil {
			t.Fatalf("Failed to create Redis storage: %v", err)
		}
		t.Cleanup(func() {
			client.FlushDB(ctx)
			_ = s.Close()
		})
		return s
	})
}

func TestGlobEscape(t *testing.T) {
	cases := map[string]string{
		"pkgd:settings:": "pkgd:settings:",
		"Feeds/a*b":      `Feeds/a\*b`,
		"x[1]?":          `x\[1\]\?`,
		`back\slash`:     `back\\slash`,
	}
	for in, want := range cases {
		if got := globEscape(in); got != want {
			t.Errorf("globEscape(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewRequiresReachableServer(t *testing.T) {
	if _, err := New(Config{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected ping failure for unreachable address")
	}
}
