package cqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSSTableRoundTripsThroughReader(t *testing.T) {
	dir := t.TempDir()
	table := NewTableId("ks", "t")
	schema := InternalSchema(table)

	files, err := WriteSSTable(dir, 3, []FlushedEntry{
		{Key: RowKey("b"), Value: IntValue(2)},
		{Key: RowKey("a"), Value: IntValue(1)},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, files.Generation)
	assert.NotEmpty(t, files.Filter)

	reader, err := OpenSSTableReader(files)
	require.NoError(t, err)
	defer reader.Close()

	row, ok, err := reader.GetEncoded(schema, RowKey("a"), nil)
	require.NoError(t, err)
	require.True(t, ok)
	decoded, _, err := decodeStoredValue(row.Columns[internalValueColumn].Bytes)
	require.NoError(t, err)
	assert.Equal(t, IntValue(1), decoded)
}

func TestWriteSSTableWithoutBloomFilterOmitsFilterComponent(t *testing.T) {
	dir := t.TempDir()
	files, err := WriteSSTable(dir, 0, []FlushedEntry{{Key: RowKey("a"), Value: IntValue(1)}}, false)
	require.NoError(t, err)
	assert.Empty(t, files.Filter)
}

func TestWriteSSTableEmptyEntriesProducesOpenableSSTable(t *testing.T) {
	dir := t.TempDir()
	files, err := WriteSSTable(dir, 0, nil, true)
	require.NoError(t, err)

	reader, err := OpenSSTableReader(files)
	require.NoError(t, err)
	defer reader.Close()

	_, ok, err := reader.GetEncoded(InternalSchema(NewTableId("ks", "t")), RowKey("anything"), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoredValueCodecRoundTripsPrimitive(t *testing.T) {
	encoded := encodeStoredValue(TextValue("hello"))
	decoded, n, err := decodeStoredValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, TextValue("hello"), decoded)
}

func TestStoredValueCodecRoundTripsList(t *testing.T) {
	v := Value{Kind: KindList, List: []Value{IntValue(1), IntValue(2), IntValue(3)}}
	encoded := encodeStoredValue(v)
	decoded, _, err := decodeStoredValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestStoredValueCodecRoundTripsMap(t *testing.T) {
	v := Value{Kind: KindMap, Map: []MapEntry{
		{Key: TextValue("k1"), Value: IntValue(1)},
		{Key: TextValue("k2"), Value: IntValue(2)},
	}}
	encoded := encodeStoredValue(v)
	decoded, _, err := decodeStoredValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestStoredValueCodecRoundTripsUdt(t *testing.T) {
	v := Value{Kind: KindUdt, Udt: &Udt{
		Keyspace: "ks",
		Name:     "address",
		Fields: []UdtField{
			{Name: "street", Value: TextValue("Main St")},
			{Name: "zip", Value: IntValue(12345)},
		},
	}}
	encoded := encodeStoredValue(v)
	decoded, _, err := decodeStoredValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestStoredValueCodecRoundTripsFrozenAndNull(t *testing.T) {
	inner := TextValue("frozen-inner")
	v := Value{Kind: KindFrozen, Frozen: &inner}
	encoded := encodeStoredValue(v)
	decoded, _, err := decodeStoredValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, v, decoded)

	null := NullValue()
	encodedNull := encodeStoredValue(null)
	decodedNull, _, err := decodeStoredValue(encodedNull)
	require.NoError(t, err)
	assert.Equal(t, null, decodedNull)
}
