package cqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockCachePutGet(t *testing.T) {
	c := NewBlockCache(1024)
	table := NewTableId("ks", "t")
	c.Put(table, 1, []byte("block-one"))

	got, ok := c.Get(table, 1)
	require.True(t, ok)
	assert.Equal(t, []byte("block-one"), got)

	_, ok = c.Get(table, 2)
	assert.False(t, ok)
}

func TestBlockCacheEvictsOverBudget(t *testing.T) {
	c := NewBlockCache(100)
	table := NewTableId("ks", "t")
	for i := uint64(0); i < 10; i++ {
		c.Put(table, i, make([]byte, 30))
	}
	assert.LessOrEqual(t, c.UsedBytes(), 100)
	// the earliest blocks should have been evicted.
	_, ok := c.Get(table, 0)
	assert.False(t, ok)
}

func TestBlockCacheGetRefreshesRecency(t *testing.T) {
	c := NewBlockCache(90)
	table := NewTableId("ks", "t")
	c.Put(table, 1, make([]byte, 30))
	c.Put(table, 2, make([]byte, 30))
	c.Put(table, 3, make([]byte, 30))

	// touch block 1 so it is no longer the least recently used.
	_, _ = c.Get(table, 1)
	c.Put(table, 4, make([]byte, 30))

	_, ok := c.Get(table, 1)
	assert.True(t, ok, "recently touched entry should survive eviction")
}

func TestRowCachePutGet(t *testing.T) {
	c := NewRowCache(4096)
	table := NewTableId("ks", "t")
	row := []Value{IntValue(1), TextValue("hi")}
	c.Put(table, RowKey("pk"), row)

	got, ok := c.Get(table, RowKey("pk"))
	require.True(t, ok)
	assert.Equal(t, row, got)
}

func TestRowCacheInvalidate(t *testing.T) {
	c := NewRowCache(4096)
	table := NewTableId("ks", "t")
	c.Put(table, RowKey("pk"), []Value{IntValue(1)})
	c.Invalidate(table, RowKey("pk"))

	_, ok := c.Get(table, RowKey("pk"))
	assert.False(t, ok)
}

func TestRowCacheIsolatesTables(t *testing.T) {
	c := NewRowCache(4096)
	t1 := NewTableId("ks", "t1")
	t2 := NewTableId("ks", "t2")
	c.Put(t1, RowKey("pk"), []Value{IntValue(1)})

	_, ok := c.Get(t2, RowKey("pk"))
	assert.False(t, ok)
}

func TestBlockCacheReplacingKeyUpdatesUsedBytes(t *testing.T) {
	c := NewBlockCache(1024)
	table := NewTableId("ks", "t")
	c.Put(table, 1, make([]byte, 50))
	before := c.UsedBytes()
	c.Put(table, 1, make([]byte, 10))
	assert.Less(t, c.UsedBytes(), before)
}
