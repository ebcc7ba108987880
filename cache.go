package cqlite

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// blockCacheKey identifies a decoded Data.db block (spec.md §4.J).
type blockCacheKey struct {
	Table   TableId
	BlockId uint64
}

// rowCacheKey identifies a fully decoded row.
type rowCacheKey struct {
	Table TableId
	Key   string
}

// byteBudgetedCache is a generic LRU cache bounded by total value size in
// bytes rather than entry count (spec.md §4.J: "evict LRU while
// current_size+new_size>budget"). simplelru.LRU supplies the recency
// ordering; the byte accounting and eviction loop on top of it are this
// cache's own contribution.
type byteBudgetedCache[K comparable, V any] struct {
	mu        sync.Mutex
	lru       *lru.LRU[K, V]
	sizeOf    func(V) int
	budget    int
	usedBytes int
}

func newByteBudgetedCache[K comparable, V any](budget int, sizeOf func(V) int) *byteBudgetedCache[K, V] {
	c := &byteBudgetedCache[K, V]{sizeOf: sizeOf, budget: budget}
	// simplelru requires size>0; its own entry-count bound is never hit in
	// practice because evictOverBudget trims by bytes first.
	inner, _ := lru.NewLRU[K, V](1<<30, func(K, V) {})
	c.lru = inner
	return c
}

func (c *byteBudgetedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

func (c *byteBudgetedCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		c.usedBytes -= c.sizeOf(old)
	}
	c.lru.Add(key, value)
	c.usedBytes += c.sizeOf(value)
	c.evictOverBudget()
}

func (c *byteBudgetedCache[K, V]) evictOverBudget() {
	for c.usedBytes > c.budget {
		_, value, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		c.usedBytes -= c.sizeOf(value)
	}
}

func (c *byteBudgetedCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lru.Peek(key); ok {
		c.usedBytes -= c.sizeOf(old)
		c.lru.Remove(key)
	}
}

func (c *byteBudgetedCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *byteBudgetedCache[K, V]) UsedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

// hitMissCounters are the atomic hit/miss counters spec.md §5 requires for
// every cache ("Cache hit/miss counters are atomic").
type hitMissCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *hitMissCounters) record(ok bool) {
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// BlockCache holds decoded Data.db blocks keyed by (TableId, block_id),
// budgeted by block_cache.max_size (spec.md §4.J).
type BlockCache struct {
	inner    *byteBudgetedCache[blockCacheKey, []byte]
	counters hitMissCounters
}

func NewBlockCache(maxSizeBytes int) *BlockCache {
	return &BlockCache{inner: newByteBudgetedCache[blockCacheKey, []byte](maxSizeBytes, func(b []byte) int { return len(b) })}
}

func (c *BlockCache) Get(table TableId, blockId uint64) ([]byte, bool) {
	v, ok := c.inner.Get(blockCacheKey{Table: table, BlockId: blockId})
	c.counters.record(ok)
	return v, ok
}

func (c *BlockCache) Put(table TableId, blockId uint64, block []byte) {
	c.inner.Put(blockCacheKey{Table: table, BlockId: blockId}, append([]byte(nil), block...))
}

func (c *BlockCache) Len() int       { return c.inner.Len() }
func (c *BlockCache) UsedBytes() int { return c.inner.UsedBytes() }
func (c *BlockCache) Remove(table TableId, blockId uint64) {
	c.inner.Remove(blockCacheKey{Table: table, BlockId: blockId})
}
func (c *BlockCache) Hits() int64   { return c.counters.hits.Load() }
func (c *BlockCache) Misses() int64 { return c.counters.misses.Load() }

// RowCache holds fully decoded rows keyed by (TableId, RowKey), budgeted by
// row_cache.max_size.
type RowCache struct {
	inner    *byteBudgetedCache[rowCacheKey, []Value]
	counters hitMissCounters
}

func NewRowCache(maxSizeBytes int) *RowCache {
	return &RowCache{inner: newByteBudgetedCache[rowCacheKey, []Value](maxSizeBytes, func(vs []Value) int {
		total := 0
		for _, v := range vs {
			total += valueSizeEstimate(v)
		}
		return total
	})}
}

func (c *RowCache) Get(table TableId, key RowKey) ([]Value, bool) {
	v, ok := c.inner.Get(rowCacheKey{Table: table, Key: string(key)})
	c.counters.record(ok)
	return v, ok
}

func (c *RowCache) Put(table TableId, key RowKey, row []Value) {
	c.inner.Put(rowCacheKey{Table: table, Key: string(key)}, row)
}

func (c *RowCache) Len() int       { return c.inner.Len() }
func (c *RowCache) UsedBytes() int { return c.inner.UsedBytes() }
func (c *RowCache) Invalidate(table TableId, key RowKey) {
	c.inner.Remove(rowCacheKey{Table: table, Key: string(key)})
}
func (c *RowCache) Hits() int64   { return c.counters.hits.Load() }
func (c *RowCache) Misses() int64 { return c.counters.misses.Load() }

// CacheStats summarizes the three bounded caches. Engine.Stats does not
// return it; EngineStats carries the block and row cache counters itself.
type CacheStats struct {
	BlockEntries, RowEntries, ChunkEntries int
	BlockBytes, RowBytes                   int
}
