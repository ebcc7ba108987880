package cqlite

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeGeneration(t *testing.T, dir string, gen int, entries ...FlushedEntry) SSTableFiles {
	t.Helper()
	files, err := WriteSSTable(dir, gen, entries, true)
	require.NoError(t, err)
	return files
}

func TestDirectoryGetFavorsNewestGenerationOnTimestampTie(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	schema := InternalSchema(table)

	writeGeneration(t, dir, 0, FlushedEntry{Key: RowKey("a"), Value: TextValue("old")})
	writeGeneration(t, dir, 1, FlushedEntry{Key: RowKey("a"), Value: TextValue("new")})

	d, err := OpenSSTableDirectory(PosixFilesystem{}, dir, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())

	mt := NewMemTable(fixedClock(0))
	row, err := d.Get(mt, table, schema, RowKey("a"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, TextValue("new"), row.Columns[internalValueColumn])
}

func TestDirectoryGetHonorsMemtableWhenItsTimestampDominates(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	schema := InternalSchema(table)
	writeGeneration(t, dir, 0, FlushedEntry{Key: RowKey("a"), Value: TextValue("on-disk")})

	d, err := OpenSSTableDirectory(PosixFilesystem{}, dir, zap.NewNop())
	require.NoError(t, err)

	mt := NewMemTable(fixedClock(0))
	mt.Put(table, RowKey("a"), TextValue("in-memory"))

	row, err := d.Get(mt, table, schema, RowKey("a"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, TextValue("in-memory"), row.Columns[internalValueColumn],
		"a memtable write with a higher real timestamp must win over an older SSTable generation")
}

func TestDirectoryGetSuppressesWinningTombstone(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	schema := InternalSchema(table)
	writeGeneration(t, dir, 0, FlushedEntry{Key: RowKey("a"), Value: TextValue("on-disk")})

	d, err := OpenSSTableDirectory(PosixFilesystem{}, dir, zap.NewNop())
	require.NoError(t, err)

	mt := NewMemTable(fixedClock(0))
	mt.Delete(table, RowKey("a"))

	row, err := d.Get(mt, table, schema, RowKey("a"))
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestDirectoryGetMissingKeyReturnsNil(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	writeGeneration(t, dir, 0, FlushedEntry{Key: RowKey("a"), Value: TextValue("x")})

	d, err := OpenSSTableDirectory(PosixFilesystem{}, dir, zap.NewNop())
	require.NoError(t, err)

	mt := NewMemTable(fixedClock(0))
	row, err := d.Get(mt, table, InternalSchema(table), RowKey("missing"))
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestDirectoryScanMergesAcrossGenerationsAndMemtable(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	schema := InternalSchema(table)

	writeGeneration(t, dir, 0,
		FlushedEntry{Key: RowKey("a"), Value: TextValue("gen0-a")},
		FlushedEntry{Key: RowKey("c"), Value: TextValue("gen0-c")})
	writeGeneration(t, dir, 1,
		FlushedEntry{Key: RowKey("b"), Value: TextValue("gen1-b")})

	d, err := OpenSSTableDirectory(PosixFilesystem{}, dir, zap.NewNop())
	require.NoError(t, err)

	mt := NewMemTable(fixedClock(0))
	mt.Put(table, RowKey("d"), TextValue("mem-d"))
	mt.Delete(table, RowKey("c")) // tombstones the on-disk "c"

	var keys []string
	var values []string
	err = d.Scan(mt, table, schema, RowKey(""), nil, 0, time.Time{}, func(k RowKey, row Row) error {
		keys = append(keys, string(k))
		values = append(values, row.Columns[internalValueColumn].Text())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "d"}, keys, "c must be suppressed by its tombstone")
	assert.Equal(t, []string{"gen0-a", "gen1-b", "mem-d"}, values)
}

func TestDirectoryScanRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	schema := InternalSchema(table)
	writeGeneration(t, dir, 0,
		FlushedEntry{Key: RowKey("a"), Value: TextValue("1")},
		FlushedEntry{Key: RowKey("b"), Value: TextValue("2")},
		FlushedEntry{Key: RowKey("c"), Value: TextValue("3")})

	d, err := OpenSSTableDirectory(PosixFilesystem{}, dir, zap.NewNop())
	require.NoError(t, err)

	mt := NewMemTable(fixedClock(0))
	count := 0
	err = d.Scan(mt, table, schema, RowKey(""), nil, 2, time.Time{}, func(k RowKey, row Row) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDirectoryScanReturnsCancelledOncePastDeadline(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	schema := InternalSchema(table)
	writeGeneration(t, dir, 0,
		FlushedEntry{Key: RowKey("a"), Value: TextValue("1")},
		FlushedEntry{Key: RowKey("b"), Value: TextValue("2")})

	d, err := OpenSSTableDirectory(PosixFilesystem{}, dir, zap.NewNop())
	require.NoError(t, err)

	mt := NewMemTable(fixedClock(0))
	err = d.Scan(mt, table, schema, RowKey(""), nil, 0, time.Now().Add(-time.Second), func(k RowKey, row Row) error {
		t.Fatal("visit must not be called once the deadline has already passed")
		return nil
	})
	require.Error(t, err)
	assert.True(t, Is(err, KindCancelled))
}

func TestOpenSSTableDirectorySkipsCorruptGenerationAndReportsIt(t *testing.T) {
	dir := t.TempDir()
	writeGeneration(t, dir, 0, FlushedEntry{Key: RowKey("a"), Value: TextValue("good")})

	// Corrupt generation 1's Data.db beyond repair (too short to even hold a
	// header) while leaving its file present, simulating a partial write.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nb-1-big-Data.db"), []byte{0x01}, 0o644))

	d, err := OpenSSTableDirectory(PosixFilesystem{}, dir, zap.NewNop())
	require.NoError(t, err, "a corrupt generation must be skipped, not fail the whole scan")
	assert.Equal(t, 1, d.Len())
	assert.EqualValues(t, 1, d.CorruptOpens())
}

func TestSSTableDirectoryCompactionRequested(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	for gen := 0; gen < compactionThresholdDefault+1; gen++ {
		writeGeneration(t, dir, gen, FlushedEntry{Key: RowKey("a"), Value: IntValue(int32(gen))})
	}

	d, err := OpenSSTableDirectory(PosixFilesystem{}, dir, zap.NewNop())
	require.NoError(t, err)

	req := d.CompactionRequested(table)
	require.NotNil(t, req)
	assert.Equal(t, table, req.Table)
}
