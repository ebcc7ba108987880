package cqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() TableSchema {
	return TableSchema{
		Keyspace: "ks", Table: "t",
		ClusteringKeys: []ColumnSpec{{Name: "c1", Type: KindInt}},
		RegularColumns: []ColumnSpec{{Name: "v1", Type: KindText}},
	}
}

func encodeCellValue(t *testing.T, v Value) []byte {
	t.Helper()
	b, err := encodeBySchemalessValue(v)
	require.NoError(t, err)
	return b
}

func buildRow(t *testing.T, isStatic bool, liveness LivenessInfo, cells []Cell) []byte {
	t.Helper()
	var buf []byte
	kind := rowKindRow
	if isStatic {
		kind = rowKindStaticRow
	}
	buf = append(buf, kind)
	buf = append(buf, EncodeVInt(liveness.TimestampUs)...)
	buf = append(buf, EncodeVUInt(liveness.TTLSecs)...)
	buf = append(buf, EncodeVUInt(liveness.LocalDeletionTime)...)
	buf = append(buf, EncodeVUInt(uint64(len(cells)))...)
	for _, c := range cells {
		buf = append(buf, EncodeVUInt(uint64(c.ColumnIndex))...)
		var flags byte
		if !c.Value.IsNull() && !c.Deleted {
			flags |= cellFlagHasValue
		}
		if c.Deleted {
			flags |= cellFlagIsDeleted
		}
		buf = append(buf, flags)
		if flags&cellFlagHasValue != 0 {
			valBytes := encodeCellValue(t, c.Value)
			buf = append(buf, EncodeVInt(int64(len(valBytes)))...)
			buf = append(buf, valBytes...)
		}
	}
	return buf
}

func TestDecodePartitionBodySingleRow(t *testing.T) {
	schema := testSchema()
	rowBytes := buildRow(t, false, LivenessInfo{TimestampUs: 1000}, []Cell{
		{ColumnIndex: 0, Value: IntValue(7)},
		{ColumnIndex: 1, Value: TextValue("hello")},
	})
	input := append(append([]byte{}, rowBytes...), rowKindEndOfPartition)

	body, n, err := DecodePartitionBody(input, schema)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
	require.Len(t, body.Rows, 1)
	assert.Equal(t, int64(1000), body.Rows[0].Liveness.TimestampUs)
	require.Len(t, body.Rows[0].Cells, 2)

	values := RowToValues(body.Rows[0], schema)
	assert.Equal(t, IntValue(7), values["c1"])
	assert.Equal(t, TextValue("hello"), values["v1"])
}

func TestDecodePartitionBodyStaticRow(t *testing.T) {
	schema := testSchema()
	staticBytes := buildRow(t, true, LivenessInfo{TimestampUs: 5}, []Cell{{ColumnIndex: 1, Value: TextValue("static")}})
	input := append(append([]byte{}, staticBytes...), rowKindEndOfPartition)

	body, _, err := DecodePartitionBody(input, schema)
	require.NoError(t, err)
	require.NotNil(t, body.StaticRow)
	assert.True(t, body.StaticRow.IsStatic)
}

func TestDecodePartitionBodyDeletedCell(t *testing.T) {
	schema := testSchema()
	rowBytes := buildRow(t, false, LivenessInfo{TimestampUs: 1}, []Cell{
		{ColumnIndex: 1, Deleted: true},
	})
	input := append(append([]byte{}, rowBytes...), rowKindEndOfPartition)

	body, _, err := DecodePartitionBody(input, schema)
	require.NoError(t, err)
	require.Len(t, body.Rows[0].Cells, 1)
	assert.True(t, body.Rows[0].Cells[0].Deleted)

	values := RowToValues(body.Rows[0], schema)
	assert.Equal(t, KindTombstone, values["v1"].Kind)
}

func TestDecodePartitionBodyRangeTombstoneMarker(t *testing.T) {
	schema := testSchema()
	var buf []byte
	buf = append(buf, rowKindRangeTombstone)
	buf = append(buf, byte(BoundInclusiveStart))
	buf = append(buf, EncodeVUInt(12345)...)
	buf = append(buf, EncodeVInt(999)...)
	buf = append(buf, EncodeVUInt(1)...)
	valBytes := encodeCellValue(t, IntValue(3))
	buf = append(buf, EncodeVInt(int64(len(valBytes)))...)
	buf = append(buf, valBytes...)
	buf = append(buf, rowKindEndOfPartition)

	body, _, err := DecodePartitionBody(buf, schema)
	require.NoError(t, err)
	require.Len(t, body.Tombstones, 1)
	assert.Equal(t, BoundInclusiveStart, body.Tombstones[0].Bound)
	assert.EqualValues(t, 12345, body.Tombstones[0].LocalDeletionTime)
	require.Len(t, body.Tombstones[0].ClusteringValues, 1)
	assert.Equal(t, IntValue(3), body.Tombstones[0].ClusteringValues[0])
}

func TestDecodePartitionBodyRejectsUnknownRowKind(t *testing.T) {
	_, _, err := DecodePartitionBody([]byte{0x7F}, testSchema())
	require.Error(t, err)
	assert.True(t, Is(err, KindCorruptedBlock))
}

func TestDecodePartitionBodyWithoutTerminatorRunsToEnd(t *testing.T) {
	schema := testSchema()
	rowBytes := buildRow(t, false, LivenessInfo{TimestampUs: 1}, []Cell{{ColumnIndex: 0, Value: IntValue(1)}})

	body, n, err := DecodePartitionBody(rowBytes, schema)
	require.NoError(t, err)
	assert.Equal(t, len(rowBytes), n)
	assert.Len(t, body.Rows, 1)
}
