package cqlite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWALAppendAndReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path, zap.NewNop())
	require.NoError(t, err)

	table := NewTableId("ks", "t")
	require.NoError(t, w.Append(table, RowKey("a"), IntValue(1)))
	require.NoError(t, w.Append(table, RowKey("b"), TextValue("hello")))
	require.NoError(t, w.AppendTombstone(table, RowKey("a")))
	require.NoError(t, w.Close())

	records, err := ReplayWAL(path)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, RowKey("a"), records[0].Key)
	assert.False(t, records[0].IsTombstone)
	assert.Equal(t, IntValue(1), records[0].Value)

	assert.Equal(t, RowKey("b"), records[1].Key)
	assert.Equal(t, TextValue("hello"), records[1].Value)

	assert.Equal(t, RowKey("a"), records[2].Key)
	assert.True(t, records[2].IsTombstone)
}

func TestReplayWALMissingFileIsEmptyNotError(t *testing.T) {
	records, err := ReplayWAL(filepath.Join(t.TempDir(), "absent.log"))
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestReplayWALStopsCleanlyAtTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path, zap.NewNop())
	require.NoError(t, err)
	table := NewTableId("ks", "t")
	require.NoError(t, w.Append(table, RowKey("a"), IntValue(1)))
	require.NoError(t, w.Append(table, RowKey("b"), IntValue(2)))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := data[:len(data)-3]
	require.NoError(t, os.WriteFile(path, truncated, 0o644))

	records, err := ReplayWAL(path)
	require.NoError(t, err, "a truncated tail record must not surface as an error")
	require.Len(t, records, 1)
	assert.Equal(t, RowKey("a"), records[0].Key)
}

func TestReplayWALRejectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path, zap.NewNop())
	require.NoError(t, err)
	table := NewTableId("ks", "t")
	require.NoError(t, w.Append(table, RowKey("a"), IntValue(1)))
	require.NoError(t, w.Append(table, RowKey("b"), IntValue(2)))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the first record's body so its CRC no longer matches.
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	records, err := ReplayWAL(path)
	require.NoError(t, err)
	assert.Len(t, records, 0, "a corrupted first record leaves nothing recoverable before it")
}
