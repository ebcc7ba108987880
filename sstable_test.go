package cqlite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sstableTestSchema() TableSchema {
	return TableSchema{
		Keyspace:       "ks",
		Table:          "t",
		PartitionKeys:  []ColumnSpec{{Name: "pk", Type: KindInt}},
		ClusteringKeys: []ColumnSpec{{Name: "c1", Type: KindInt}},
		RegularColumns: []ColumnSpec{{Name: "v1", Type: KindText}},
	}
}

// buildLegacySSTable writes a minimal uncompressed, filter-less,
// legacy-index-backed SSTable generation with one partition per entry of
// partitionKeys, and returns its SSTableFiles.
func buildLegacySSTable(t *testing.T, dir string, partitionKeys []int32, names []string) SSTableFiles {
	t.Helper()
	schema := sstableTestSchema()

	header := buildTestHeader("nb", "org.apache.cassandra.dht.Murmur3Partitioner", 0, 1000, nil)
	data := append([]byte(nil), header...)

	var indexBuf []byte
	for i, pk := range partitionKeys {
		rowBytes := buildRow(t, false, LivenessInfo{TimestampUs: int64(i + 1)}, []Cell{
			{ColumnIndex: 0, Value: IntValue(pk)},
			{ColumnIndex: 1, Value: TextValue(names[i])},
		})
		rowBytes = append(rowBytes, rowKindEndOfPartition)

		encodedKey, err := EncodeCompositeKey([]Value{IntValue(pk)})
		require.NoError(t, err)

		offset := uint64(len(data))
		data = append(data, rowBytes...)

		indexBuf = append(indexBuf, EncodeVUInt(uint64(len(encodedKey)))...)
		indexBuf = append(indexBuf, encodedKey...)
		indexBuf = append(indexBuf, EncodeVUInt(offset)...)
	}

	stats := buildTestStatistics(uint32(len(data)), uint32(len(partitionKeys)), []byte{0x00})

	dataPath := filepath.Join(dir, "nb-1-big-Data.db")
	statsPath := filepath.Join(dir, "nb-1-big-Statistics.db")
	indexPath := filepath.Join(dir, "nb-1-big-Index.db")
	require.NoError(t, os.WriteFile(dataPath, data, 0o644))
	require.NoError(t, os.WriteFile(statsPath, stats, 0o644))
	require.NoError(t, os.WriteFile(indexPath, indexBuf, 0o644))

	_ = schema
	return SSTableFiles{Generation: 1, Data: dataPath, Statistics: statsPath, Index: indexPath}
}

func TestSSTableReaderGetFindsExistingPartition(t *testing.T) {
	dir := t.TempDir()
	files := buildLegacySSTable(t, dir, []int32{1, 2, 3}, []string{"alice", "bob", "carol"})

	r, err := OpenSSTableReader(files)
	require.NoError(t, err)
	defer r.Close()

	row, ok, err := r.Get(sstableTestSchema(), []Value{IntValue(2)}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TextValue("bob"), row.Columns["v1"])
}

func TestSSTableReaderGetMissingPartitionReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	files := buildLegacySSTable(t, dir, []int32{1, 2}, []string{"alice", "bob"})

	r, err := OpenSSTableReader(files)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.Get(sstableTestSchema(), []Value{IntValue(99)}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSSTableReaderScanYieldsPartitionsInOrder(t *testing.T) {
	dir := t.TempDir()
	files := buildLegacySSTable(t, dir, []int32{3, 1, 2}, []string{"carol", "alice", "bob"})

	r, err := OpenSSTableReader(files)
	require.NoError(t, err)
	defer r.Close()

	var names []string
	err = r.Scan(sstableTestSchema(), nil, nil, 0, func(key RowKey, row Row) error {
		names = append(names, row.Columns["v1"].Text())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
}

func TestSSTableReaderScanRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	files := buildLegacySSTable(t, dir, []int32{1, 2, 3}, []string{"a", "b", "c"})

	r, err := OpenSSTableReader(files)
	require.NoError(t, err)
	defer r.Close()

	var count int
	err = r.Scan(sstableTestSchema(), nil, nil, 2, func(key RowKey, row Row) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSSTableReaderStatisticsExposed(t *testing.T) {
	dir := t.TempDir()
	files := buildLegacySSTable(t, dir, []int32{1}, []string{"a"})

	r, err := OpenSSTableReader(files)
	require.NoError(t, err)
	defer r.Close()

	assert.EqualValues(t, 1, r.Statistics().RowStats.PartitionCount)
}

// buildBtiSSTable writes a single-partition SSTable backed by a minimal
// Partitions.db BTI file (one PayloadOnly root node), exercising the BTI
// index path rather than the legacy one.
func buildBtiSSTable(t *testing.T, dir string, pk int32, name string) SSTableFiles {
	t.Helper()

	header := buildTestHeader("nb", "org.apache.cassandra.dht.Murmur3Partitioner", 0, 1000, nil)
	data := append([]byte(nil), header...)
	dataOffset := uint64(len(data))

	rowBytes := buildRow(t, false, LivenessInfo{TimestampUs: 1}, []Cell{
		{ColumnIndex: 0, Value: IntValue(pk)},
		{ColumnIndex: 1, Value: TextValue(name)},
	})
	rowBytes = append(rowBytes, rowKindEndOfPartition)
	data = append(data, rowBytes...)

	var btiFile []byte
	btiFile = append(btiFile, 0x64, 0x61, 0x00, 0x00) // magic
	btiFile = append(btiFile, 0x00, 0x01)             // version
	btiFile = append(btiFile, 0x00, 0x00)             // flags
	rootOffset := uint64(16)
	var rootOffsetBytes [8]byte
	for i := 0; i < 8; i++ {
		rootOffsetBytes[7-i] = byte(rootOffset >> (8 * i))
	}
	btiFile = append(btiFile, rootOffsetBytes[:]...)

	var payload [8]byte
	for i := 0; i < 8; i++ {
		payload[7-i] = byte(dataOffset >> (8 * i))
	}
	btiFile = append(btiFile, 0x01)             // node_type=0 (PayloadOnly), has_payload=1
	btiFile = append(btiFile, 0x00, byte(len(payload))) // payload size, big-endian u16
	btiFile = append(btiFile, payload[:]...)

	dataPath := filepath.Join(dir, "nb-1-big-Data.db")
	statsPath := filepath.Join(dir, "nb-1-big-Statistics.db")
	partitionsPath := filepath.Join(dir, "nb-1-big-Partitions.db")
	require.NoError(t, os.WriteFile(dataPath, data, 0o644))
	require.NoError(t, os.WriteFile(statsPath, buildTestStatistics(uint32(len(data)), 1, []byte{0x00}), 0o644))
	require.NoError(t, os.WriteFile(partitionsPath, btiFile, 0o644))

	return SSTableFiles{Generation: 1, Data: dataPath, Statistics: statsPath, Partitions: partitionsPath}
}

func TestSSTableReaderBtiIndexScan(t *testing.T) {
	dir := t.TempDir()
	// a bare root PayloadOnly node (no children) is visited unconditionally
	// by Iterate, so this exercises the BTI-backed scan path end to end
	// without needing a multi-node trie fixture.
	files := buildBtiSSTable(t, dir, 7, "dana")

	r, err := OpenSSTableReader(files)
	require.NoError(t, err)
	defer r.Close()

	var names []string
	err = r.Scan(sstableTestSchema(), nil, nil, 0, func(key RowKey, row Row) error {
		names = append(names, row.Columns["v1"].Text())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dana"}, names)
}
