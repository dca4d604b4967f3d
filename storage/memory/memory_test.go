package memory

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ggoodman/pkgd/storage"
	"github.com/ggoodman/pkgd/storage/storagetest"
)

func TestNew(t *testing.T) {
	s, err := New(100)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	if s.cache == nil {
		t.Fatal("cache not initialized")
	}
}

func TestNewRejectsZeroSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero-sized cache")
	}
}

func TestConformance(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		s, err := New(100)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := New(10)
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("abc"))
	item, _ := s.Get(ctx, "k")
	item.Data[0] = 'z'

	again, _ := s.Get(ctx, "k")
	if string(again.Data) != "abc" {
		t.Fatalf("stored value was mutated through returned item: %s", again.Data)
	}
}

func TestEviction(t *testing.T) {
	s, _ := New(2)
	defer s.Close()
	ctx := context.Background()
	ttl := storage.WithTTL(time.Hour)

	_ = s.Set(ctx, "a", []byte("1"), ttl)
	_ = s.Set(ctx, "b", []byte("2"), ttl)
	_ = s.Set(ctx, "c", []byte("3"), ttl)

	if item, _ := s.Get(ctx, "a"); item != nil {
		t.Fatal("oldest entry should have been evicted")
	}
	if item, _ := s.Get(ctx, "c"); item == nil {
		t.Fatal("newest entry should be present")
	}
}

func TestItemsWithoutTTLAreNeverEvicted(t *testing.T) {
	s, _ := New(2)
	defer s.Close()
	ctx := context.Background()
	policy := storage.WithPath(storage.Path{"Policies"})

	if err := s.Set(ctx, "#Connect", []byte(`["user:1000"]`), policy); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		_ = s.Set(ctx, "k"+strconv.Itoa(i), []byte("x"), storage.WithPath(storage.Path{"Packages"}))
		_ = s.Set(ctx, "t"+strconv.Itoa(i), []byte("x"), storage.WithTTL(time.Hour))
	}

	item, err := s.Get(ctx, "#Connect", policy)
	if err != nil || item == nil {
		t.Fatalf("Get() = %v, %v; override was dropped", item, err)
	}
	keys, _ := s.Keys(ctx, storage.WithPath(storage.Path{"Packages"}))
	if len(keys) != 10 {
		t.Fatalf("Keys() = %v, want all 10", keys)
	}
}

func TestTTLReplacesPersistentItem(t *testing.T) {
	s, _ := New(10)
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("1"))
	_ = s.Set(ctx, "k", []byte("2"), storage.WithTTL(time.Hour))
	keys, _ := s.Keys(ctx)
	if len(keys) != 1 {
		t.Fatalf("Keys() = %v, want one entry", keys)
	}
	if item, _ := s.Get(ctx, "k"); item == nil || string(item.Data) != "2" || item.ExpiresAt == nil {
		t.Fatalf("Get() = %+v", item)
	}
}

func TestDeleteRootClearsEverything(t *testing.T) {
	s, _ := New(10)
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithPath(storage.Path{"x"}))
	_ = s.Set(ctx, "b", []byte("1"))

	if err := s.Delete(ctx); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if s.cache.Len() != 0 || len(s.items) != 0 {
		t.Fatalf("expected empty store, have %d cached and %d stored", s.cache.Len(), len(s.items))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := New(10)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}
