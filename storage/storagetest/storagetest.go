// Package storagetest provides a conformance suite that every storage.Storage
// implementation is expected to pass.
package storagetest

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/ggoodman/pkgd/storage"
)

// Factory returns a fresh, empty Storage for one subtest.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests runs the shared behaviour checks against the backend built
// by factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory(t)) })
	t.Run("PathIsolation", func(t *testing.T) { testPathIsolation(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteSubtree", func(t *testing.T) { testDeleteSubtree(t, factory(t)) })
	t.Run("Keys", func(t *testing.T) { testKeys(t, factory(t)) })
	t.Run("InvalidPath", func(t *testing.T) { testInvalidPath(t, factory(t)) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	p := storage.WithPath(storage.Path{"PackageManager", "Policy"})

	if err := s.Set(ctx, "#Connect", []byte(`["everyone"]`), p); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "#Connect", p)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != `["everyone"]` {
		t.Fatalf("Get() returned wrong data: got %s", item.Data)
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testPathIsolation(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a := storage.WithPath(storage.Path{"a"})
	b := storage.WithPath(storage.Path{"a", "b"})

	if err := s.Set(ctx, "k", []byte("A"), a); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("B"), b); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("root")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	for _, tc := range []struct {
		opt  storage.Option
		want string
	}{
		{a, "A"},
		{b, "B"},
		{storage.WithPath(nil), "root"},
	} {
		item, err := s.Get(ctx, "k", tc.opt)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if item == nil || string(item.Data) != tc.want {
			t.Fatalf("Get() got %v want %s", item, tc.want)
		}
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "short", []byte("x"), storage.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "short")
	if err != nil || item == nil {
		t.Fatalf("expected item before expiry, got %v (%v)", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set")
	}

	time.Sleep(1100 * time.Millisecond)

	item, err = s.Get(ctx, "short")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("expected item to expire")
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	p := storage.WithPath(storage.Path{"x"})
	_ = s.Set(ctx, "k1", []byte("1"), p)
	_ = s.Set(ctx, "k2", []byte("2"), p)

	if err := s.Delete(ctx, p, storage.WithKey("k1")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "k1", p); item != nil {
		t.Fatal("k1 should be gone")
	}
	if item, _ := s.Get(ctx, "k2", p); item == nil {
		t.Fatal("k2 should remain")
	}
}

func testDeleteSubtree(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	top := storage.Path{".packageInformation"}
	_ = s.Set(ctx, "#Blocked", []byte("true"), storage.WithPath(top.Child("foo-abc")))
	_ = s.Set(ctx, "#Required", []byte("true"), storage.WithPath(top.Child("foo-1.0.0.0-x86-abc")))
	_ = s.Set(ctx, "direct", []byte("1"), storage.WithPath(top))
	_ = s.Set(ctx, "keep", []byte("1"), storage.WithPath(storage.Path{".packageInformationX"}))

	if err := s.Delete(ctx, storage.WithPath(top)); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "#Blocked", storage.WithPath(top.Child("foo-abc"))); item != nil {
		t.Fatal("descendant should be removed")
	}
	if item, _ := s.Get(ctx, "direct", storage.WithPath(top)); item != nil {
		t.Fatal("direct key should be removed")
	}
	if item, _ := s.Get(ctx, "keep", storage.WithPath(storage.Path{".packageInformationX"})); item == nil {
		t.Fatal("sibling with shared prefix must survive")
	}
}

func testKeys(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	p := storage.WithPath(storage.Path{"Policy"})
	_ = s.Set(ctx, "#B", []byte("1"), p)
	_ = s.Set(ctx, "#A", []byte("1"), p)
	_ = s.Set(ctx, "#C", []byte("1"), storage.WithPath(storage.Path{"Policy", "nested"}))

	keys, err := s.Keys(ctx, p)
	if err != nil {
		t.Fatalf("Keys() failed: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"#A", "#B"}) {
		t.Fatalf("Keys() got %v", keys)
	}
}

func testInvalidPath(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "a/b", []byte("x")); err == nil {
		t.Fatal("expected error for key containing '/'")
	}
	if err := s.Set(ctx, "k", []byte("x"), storage.WithPath(storage.Path{""})); err == nil {
		t.Fatal("expected error for empty path segment")
	}
}
