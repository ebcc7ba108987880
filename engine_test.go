package cqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnginePutGetRoundTrip(t *testing.T) {
	e, err := OpenWithCollaborators(t.TempDir(), Config{}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e.Close()

	table := NewTableId("ks", "t")
	require.NoError(t, e.Put(table, RowKey("a"), TextValue("hello")))

	row, err := e.Get(table, RowKey("a"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, TextValue("hello"), row.Columns[internalValueColumn])
}

func TestEngineGetMissingKeyReturnsNilRow(t *testing.T) {
	e, err := OpenWithCollaborators(t.TempDir(), Config{}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e.Close()

	row, err := e.Get(NewTableId("ks", "t"), RowKey("missing"))
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestEngineDeleteTombstonesAcrossFlush(t *testing.T) {
	e, err := OpenWithCollaborators(t.TempDir(), Config{}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e.Close()

	table := NewTableId("ks", "t")
	require.NoError(t, e.Put(table, RowKey("a"), TextValue("hello")))
	require.NoError(t, e.Flush())

	row, err := e.Get(table, RowKey("a"))
	require.NoError(t, err)
	require.NotNil(t, row, "a flushed value must still be visible from its SSTable")

	require.NoError(t, e.Delete(table, RowKey("a")))
	row, err = e.Get(table, RowKey("a"))
	require.NoError(t, err)
	assert.Nil(t, row, "a tombstone in the memtable must suppress an older on-disk value")
}

func TestEngineFlushMakesDataSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")

	e1, err := OpenWithCollaborators(dir, Config{}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	require.NoError(t, e1.Put(table, RowKey("a"), TextValue("persisted")))
	require.NoError(t, e1.Flush())
	require.NoError(t, e1.Close())

	e2, err := OpenWithCollaborators(dir, Config{}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e2.Close()

	row, err := e2.Get(table, RowKey("a"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, TextValue("persisted"), row.Columns[internalValueColumn])
}

func TestEngineWALReplaysUncommittedWritesOnReopen(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	config := Config{WalEnabled: true}

	e1, err := OpenWithCollaborators(dir, config, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	require.NoError(t, e1.Put(table, RowKey("a"), TextValue("not yet flushed")))
	// No Flush, no clean Close: the WAL is the only record of this write.
	require.NoError(t, e1.wal.Close())

	e2, err := OpenWithCollaborators(dir, config, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e2.Close()

	row, err := e2.Get(table, RowKey("a"))
	require.NoError(t, err)
	require.NotNil(t, row, "a WAL-recorded write must be recovered into the fresh memtable on reopen")
	assert.Equal(t, TextValue("not yet flushed"), row.Columns[internalValueColumn])
}

func TestEngineScanOrdersAcrossMemtableAndSSTable(t *testing.T) {
	e, err := OpenWithCollaborators(t.TempDir(), Config{}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e.Close()

	table := NewTableId("ks", "t")
	require.NoError(t, e.Put(table, RowKey("a"), TextValue("1")))
	require.NoError(t, e.Put(table, RowKey("c"), TextValue("3")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Put(table, RowKey("b"), TextValue("2")))

	var keys []string
	err = e.Scan(table, RowKey(""), nil, 0, func(k RowKey, row Row) error {
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestEngineScanWithDeadlineCancelsOncePast(t *testing.T) {
	e, err := OpenWithCollaborators(t.TempDir(), Config{}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e.Close()

	table := NewTableId("ks", "t")
	require.NoError(t, e.Put(table, RowKey("a"), TextValue("1")))

	err = e.ScanWithDeadline(table, RowKey(""), nil, 0, time.Now().Add(-time.Second), func(k RowKey, row Row) error {
		t.Fatal("visit must not be called once the deadline has already passed")
		return nil
	})
	require.Error(t, err)
	assert.True(t, Is(err, KindCancelled))
}

func TestEngineStatsReportsMemtableAndSSTableCounts(t *testing.T) {
	e, err := OpenWithCollaborators(t.TempDir(), Config{}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e.Close()

	table := NewTableId("ks", "t")
	require.NoError(t, e.Put(table, RowKey("a"), TextValue("x")))
	stats := e.Stats()
	assert.Equal(t, 1, stats.MemtableEntries)

	require.NoError(t, e.Flush())
	stats = e.Stats()
	assert.Equal(t, 0, stats.MemtableEntries)
	assert.Equal(t, 1, stats.SSTablesOpen)
}

func TestEngineRowCacheServesRepeatGetsWithoutSSTableLookup(t *testing.T) {
	e, err := OpenWithCollaborators(t.TempDir(), Config{RowCacheMaxSize: 1 << 20}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e.Close()

	table := NewTableId("ks", "t")
	require.NoError(t, e.Put(table, RowKey("a"), TextValue("cached")))
	require.NoError(t, e.Flush())

	_, err = e.Get(table, RowKey("a"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, e.rowCache.Misses())

	row, err := e.Get(table, RowKey("a"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, 1, e.rowCache.Hits())
}

func TestEngineOpenCreatesTableDirectoryLayout(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenWithCollaborators(dir, Config{}, NewFixedClock(0), PosixFilesystem{})
	require.NoError(t, err)
	defer e.Close()

	table := NewTableId("ks", "t")
	require.NoError(t, e.Put(table, RowKey("a"), TextValue("x")))
	require.NoError(t, e.Flush())

	assert.DirExists(t, filepath.Join(dir, "ks.t"))
}
