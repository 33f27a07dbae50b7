package ai

import (
	"context"
	"fmt"
	"testing"
)

func TestCacheKey_SymmetricInPairOrder(t *testing.T) {
	if cacheKey("kpt_001", "kpt_002") != cacheKey("kpt_002", "kpt_001") {
		t.Error("expected the cache key to be independent of pair order")
	}
	if cacheKey("kpt_001", "kpt_002") == cacheKey("kpt_001", "kpt_003") {
		t.Error("expected distinct pairs to produce distinct keys")
	}
}

func TestInMemorySimilarityCache_GetSet(t *testing.T) {
	c := NewInMemorySimilarityCache(10)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "kpt_001", "kpt_002"); ok {
		t.Error("expected a miss on an empty cache")
	}

	c.Set(ctx, "kpt_001", "kpt_002", 0.87)

	score, ok := c.Get(ctx, "kpt_002", "kpt_001") // reversed order
	if !ok {
		t.Fatal("expected a hit regardless of pair order")
	}
	if score != 0.87 {
		t.Errorf("expected score 0.87, got %v", score)
	}
}

func TestInMemorySimilarityCache_OverwriteExistingPair(t *testing.T) {
	c := NewInMemorySimilarityCache(10)
	ctx := context.Background()

	c.Set(ctx, "a", "b", 0.5)
	c.Set(ctx, "a", "b", 0.9)

	score, ok := c.Get(ctx, "a", "b")
	if !ok || score != 0.9 {
		t.Errorf("expected the newer score 0.9, got %v (hit=%v)", score, ok)
	}
}

func TestInMemorySimilarityCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewInMemorySimilarityCache(2)
	ctx := context.Background()

	c.Set(ctx, "a", "b", 0.1)
	c.Set(ctx, "c", "d", 0.2)

	// Touch a/b so c/d becomes the eviction candidate.
	if _, ok := c.Get(ctx, "a", "b"); !ok {
		t.Fatal("expected a/b present before eviction")
	}

	c.Set(ctx, "e", "f", 0.3)

	if _, ok := c.Get(ctx, "c", "d"); ok {
		t.Error("expected the least-recently-used pair c/d evicted")
	}
	if _, ok := c.Get(ctx, "a", "b"); !ok {
		t.Error("expected the recently-touched pair a/b retained")
	}
	if _, ok := c.Get(ctx, "e", "f"); !ok {
		t.Error("expected the newest pair e/f retained")
	}
}

func TestInMemorySimilarityCache_CapacityFloor(t *testing.T) {
	c := NewInMemorySimilarityCache(0)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		c.Set(ctx, fmt.Sprintf("kpt_%03d", i), "other", float64(i)/100)
	}
	if _, ok := c.Get(ctx, "kpt_099", "other"); !ok {
		t.Error("expected a zero capacity to fall back to the default, not drop everything")
	}
}
