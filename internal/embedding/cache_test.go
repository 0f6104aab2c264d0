package embedding

import (
	"context"
	"testing"
)

func TestNormalizeKey_StripsRolePrefixAndOuterWhitespace(t *testing.T) {
	prefixes := map[string]string{"query": "search_query: ", "document": "search_document: "}
	base := NormalizeKey("some  text", "m1", 4, nil)

	if got := NormalizeKey("  some  text  ", "m1", 4, nil); got != base {
		t.Fatalf("expected outer whitespace stripped from the key, got %q vs %q", got, base)
	}
	if got := NormalizeKey("search_query: some  text", "m1", 4, prefixes); got != base {
		t.Fatalf("expected role prefix stripped from the key, got %q vs %q", got, base)
	}
	// Internal whitespace is significant.
	if got := NormalizeKey("some text", "m1", 4, nil); got == base {
		t.Fatal("expected internal whitespace to change the key")
	}
	if got := NormalizeKey("some  text", "m2", 4, nil); got == base {
		t.Fatal("expected a different model id to change the key")
	}
	if got := NormalizeKey("some  text", "m1", 8, nil); got == base {
		t.Fatal("expected a different dimension to change the key")
	}
}

func TestMemoryCache_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)

	vec := []float32{1, 2, 3, 4}
	if err := c.Put(ctx, "hello", "m1", 4, vec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := c.Get(ctx, "hello", "m1", 4)
	if !ok {
		t.Fatal("expected a cache hit")
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("expected %v, got %v", vec, got)
		}
	}

	// The returned slice is a copy; mutating it must not poison the cache.
	got[0] = 99
	again, _ := c.Get(ctx, "hello", "m1", 4)
	if again[0] != 1 {
		t.Fatal("expected the cached vector to be isolated from caller mutation")
	}

	if _, ok := c.Get(ctx, "hello", "m2", 4); ok {
		t.Fatal("expected a miss for a different model id")
	}
	if _, ok := c.Get(ctx, "hello", "m1", 8); ok {
		t.Fatal("expected a miss for a different dimension")
	}
}

func TestMemoryCache_PutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)
	for i := 0; i < 3; i++ {
		if err := c.Put(ctx, "same", "m1", 2, []float32{1, 2}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if n := c.Size(ctx); n != 1 {
		t.Fatalf("expected 1 entry after repeated puts, got %d", n)
	}
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)

	_ = c.Put(ctx, "a", "m", 1, []float32{1})
	_ = c.Put(ctx, "b", "m", 1, []float32{2})
	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get(ctx, "a", "m", 1); !ok {
		t.Fatal("expected a hit on a")
	}
	_ = c.Put(ctx, "c", "m", 1, []float32{3})

	if _, ok := c.Get(ctx, "b", "m", 1); ok {
		t.Fatal("expected b to have been evicted as least recently used")
	}
	if _, ok := c.Get(ctx, "a", "m", 1); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get(ctx, "c", "m", 1); !ok {
		t.Fatal("expected c to survive eviction")
	}
}

func TestMemoryCache_ExplicitEvict(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)
	_ = c.Put(ctx, "a", "m", 1, []float32{1})
	_ = c.Put(ctx, "b", "m", 1, []float32{2})
	_ = c.Put(ctx, "c", "m", 1, []float32{3})

	if n := c.Evict(ctx, 2); n != 2 {
		t.Fatalf("expected 2 evicted, got %d", n)
	}
	if n := c.Size(ctx); n != 1 {
		t.Fatalf("expected 1 entry left, got %d", n)
	}
}
