package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryCache_GetSet(t *testing.T) {
	cache := NewMemoryCache(1024*1024, 100, 5*time.Minute)
	ctx := context.Background()

	data := []byte("sealed chunk")
	if err := cache.Set(ctx, "acct-1", "file/000000-a", data, 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	entry, ok := cache.Get(ctx, "acct-1", "file/000000-a")
	if !ok {
		t.Fatal("cache entry not found")
	}
	if string(entry.Data) != string(data) {
		t.Fatalf("expected data %q, got %q", string(data), string(entry.Data))
	}

	// same remote id on another account is a different object
	if _, ok := cache.Get(ctx, "acct-2", "file/000000-a"); ok {
		t.Fatal("entries must be scoped by account")
	}
}

func TestMemoryCache_Expiration(t *testing.T) {
	cache := NewMemoryCache(1024*1024, 100, 5*time.Minute)
	ctx := context.Background()

	if err := cache.Set(ctx, "acct", "key", []byte("x"), 100*time.Millisecond); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}
	if _, ok := cache.Get(ctx, "acct", "key"); !ok {
		t.Fatal("cache entry not found immediately after set")
	}

	time.Sleep(150 * time.Millisecond)

	if _, ok := cache.Get(ctx, "acct", "key"); ok {
		t.Fatal("cache entry should be expired")
	}
	if stats := cache.Stats(); stats.Items != 0 {
		t.Fatalf("expired entry should be dropped, have %d items", stats.Items)
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := NewMemoryCache(1024*1024, 100, 5*time.Minute)
	ctx := context.Background()

	if err := cache.Set(ctx, "acct", "key", []byte("x"), 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}
	if err := cache.Delete(ctx, "acct", "key"); err != nil {
		t.Fatalf("failed to delete cache: %v", err)
	}
	if _, ok := cache.Get(ctx, "acct", "key"); ok {
		t.Fatal("cache entry should be deleted")
	}
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewMemoryCache(30, 100, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cache.Set(ctx, "acct", fmt.Sprintf("k%d", i), make([]byte, 10), 0); err != nil {
			t.Fatalf("failed to set cache: %v", err)
		}
	}
	cache.Get(ctx, "acct", "k0") // k1 is now the oldest

	if err := cache.Set(ctx, "acct", "k3", make([]byte, 10), 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	if _, ok := cache.Get(ctx, "acct", "k1"); ok {
		t.Fatal("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := cache.Get(ctx, "acct", k); !ok {
			t.Fatalf("%s should still be cached", k)
		}
	}
	stats := cache.Stats()
	if stats.Size != 30 || stats.Evictions != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMemoryCache_ItemLimit(t *testing.T) {
	cache := NewMemoryCache(1024, 2, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cache.Set(ctx, "acct", fmt.Sprintf("k%d", i), []byte("x"), 0); err != nil {
			t.Fatalf("failed to set cache: %v", err)
		}
	}
	if stats := cache.Stats(); stats.Items != 2 {
		t.Fatalf("expected 2 items, got %d", stats.Items)
	}
}

func TestMemoryCache_RejectsOversizedEntry(t *testing.T) {
	cache := NewMemoryCache(8, 10, time.Minute)
	if err := cache.Set(context.Background(), "acct", "big", make([]byte, 9), 0); err == nil {
		t.Fatal("expected error for entry larger than the cache")
	}
}

func TestMemoryCache_Stats(t *testing.T) {
	cache := NewMemoryCache(1024*1024, 100, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cache.Set(ctx, "acct", fmt.Sprintf("key%d", i), []byte(fmt.Sprintf("data %d", i)), 0); err != nil {
			t.Fatalf("failed to set cache: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		cache.Get(ctx, "acct", fmt.Sprintf("key%d", i))
	}
	cache.Get(ctx, "acct", "nonexistent")

	stats := cache.Stats()
	if stats.Items != 5 {
		t.Fatalf("expected 5 items, got %d", stats.Items)
	}
	if stats.Hits != 3 {
		t.Fatalf("expected 3 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestMemoryCache_Clear(t *testing.T) {
	cache := NewMemoryCache(1024*1024, 100, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cache.Set(ctx, "acct", fmt.Sprintf("key%d", i), []byte("x"), 0); err != nil {
			t.Fatalf("failed to set cache: %v", err)
		}
	}
	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("failed to clear cache: %v", err)
	}
	if stats := cache.Stats(); stats.Items != 0 || stats.Size != 0 {
		t.Fatalf("expected empty cache after clear, got %+v", stats)
	}
}
