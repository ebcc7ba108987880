package cqlite

// Partition/row block codec for Data.db (spec.md §4.G "Block parsing"). A
// partition is a sequence of rows terminated by an end-of-partition marker;
// each row carries liveness info and a set of cells addressed by column
// index into the table's combined clustering+regular column list. Range
// tombstone markers bound a deleted clustering range instead of carrying
// column values.
//
// Design decision (not dictated verbatim by the source project, which left
// the exact row/cell byte layout unspecified beyond the bit-level cell-flags
// description quoted in spec.md §4.G): rows are framed by a one-byte kind
// marker, cells are addressed by VUInt column index rather than by name, and
// the cell-flags bits are exactly the five spec.md names, in that bit order.

const (
	rowKindEndOfPartition    byte = 0x00
	rowKindRow               byte = 0x01
	rowKindStaticRow         byte = 0x02
	rowKindRangeTombstone    byte = 0x03
)

const (
	cellFlagHasValue         byte = 1 << 0
	cellFlagHasTimestamp     byte = 1 << 1
	cellFlagHasTTL           byte = 1 << 2
	cellFlagIsDeleted        byte = 1 << 3
	cellFlagUseRowTimestamp  byte = 1 << 4
)

// LivenessInfo carries a row's base timestamp, optional TTL, and optional
// local deletion time (spec.md §4.G).
type LivenessInfo struct {
	TimestampUs      int64
	TTLSecs          uint64 // 0 = no TTL
	LocalDeletionTime uint64 // 0 = none
}

// Cell is one decoded column value within a row, with its own liveness
// overrides (spec.md's cell-flags byte).
type Cell struct {
	ColumnIndex int
	Value       Value // zero Value (KindNull) when the cell is a deletion/null
	TimestampUs int64
	TTLSecs     uint64
	Deleted     bool
}

// DecodedRow is one fully parsed row or static row from a partition body.
type DecodedRow struct {
	IsStatic bool
	Liveness LivenessInfo
	Cells    []Cell
}

// RangeTombstoneBoundKind mirrors Cassandra's four bound kinds for an open
// or closed range-tombstone endpoint.
type RangeTombstoneBoundKind uint8

const (
	BoundInclusiveStart RangeTombstoneBoundKind = iota
	BoundExclusiveStart
	BoundInclusiveEnd
	BoundExclusiveEnd
)

// RangeTombstoneMarker bounds a run of deleted clustering rows.
type RangeTombstoneMarker struct {
	Bound             RangeTombstoneBoundKind
	LocalDeletionTime uint64
	TimestampUs       int64
	ClusteringValues  []Value
}

// PartitionBody is every row and range-tombstone marker decoded from one
// partition's byte range in Data.db.
type PartitionBody struct {
	StaticRow  *DecodedRow
	Rows       []DecodedRow
	Tombstones []RangeTombstoneMarker
}

// columnSchemaList orders a table's columns the way column indices in a
// Data.db row address them: clustering keys first, then regular columns.
func columnSchemaList(schema TableSchema) []ColumnSpec {
	out := make([]ColumnSpec, 0, len(schema.ClusteringKeys)+len(schema.RegularColumns))
	out = append(out, schema.ClusteringKeys...)
	out = append(out, schema.RegularColumns...)
	return out
}

// DecodePartitionBody parses a partition's byte range (spec.md §4.G): a
// sequence of {header-less} rows and range-tombstone markers ending with
// rowKindEndOfPartition, or running to the end of input if the terminator
// is absent (the last partition in a block).
func DecodePartitionBody(input []byte, schema TableSchema) (PartitionBody, int, error) {
	columns := columnSchemaList(schema)
	var body PartitionBody
	pos := 0

	for pos < len(input) {
		kind := input[pos]
		pos++
		switch kind {
		case rowKindEndOfPartition:
			return body, pos, nil
		case rowKindRow, rowKindStaticRow:
			row, n, err := decodeRow(input[pos:], columns, kind == rowKindStaticRow)
			if err != nil {
				return body, pos, err
			}
			pos += n
			if row.IsStatic {
				r := row
				body.StaticRow = &r
			} else {
				body.Rows = append(body.Rows, row)
			}
		case rowKindRangeTombstone:
			marker, n, err := decodeRangeTombstoneMarker(input[pos:], columns)
			if err != nil {
				return body, pos, err
			}
			pos += n
			body.Tombstones = append(body.Tombstones, marker)
		default:
			return body, pos, newErr(KindCorruptedBlock, "unknown row kind marker 0x%02x at offset %d", kind, pos-1)
		}
	}
	return body, pos, nil
}

func decodeLivenessInfo(input []byte) (LivenessInfo, int, error) {
	pos := 0
	ts, n, err := DecodeVInt(input[pos:])
	if err != nil {
		return LivenessInfo{}, 0, newErr(KindUnexpectedEof, "liveness timestamp: %v", err)
	}
	pos += n
	ttl, n, err := DecodeVUInt(input[pos:])
	if err != nil {
		return LivenessInfo{}, 0, newErr(KindUnexpectedEof, "liveness ttl: %v", err)
	}
	pos += n
	ldt, n, err := DecodeVUInt(input[pos:])
	if err != nil {
		return LivenessInfo{}, 0, newErr(KindUnexpectedEof, "liveness local_deletion_time: %v", err)
	}
	pos += n
	return LivenessInfo{TimestampUs: ts, TTLSecs: ttl, LocalDeletionTime: ldt}, pos, nil
}

func decodeRow(input []byte, columns []ColumnSpec, isStatic bool) (DecodedRow, int, error) {
	pos := 0
	liveness, n, err := decodeLivenessInfo(input)
	if err != nil {
		return DecodedRow{}, 0, err
	}
	pos += n

	cellCount, n, err := DecodeVUInt(input[pos:])
	if err != nil {
		return DecodedRow{}, 0, newErr(KindUnexpectedEof, "row cell count: %v", err)
	}
	pos += n

	row := DecodedRow{IsStatic: isStatic, Liveness: liveness}
	for i := uint64(0); i < cellCount; i++ {
		cell, n, err := decodeCell(input[pos:], columns, liveness.TimestampUs)
		if err != nil {
			return DecodedRow{}, 0, err
		}
		pos += n
		row.Cells = append(row.Cells, cell)
	}
	return row, pos, nil
}

func decodeCell(input []byte, columns []ColumnSpec, rowTimestamp int64) (Cell, int, error) {
	pos := 0
	colIdx, n, err := DecodeVUInt(input[pos:])
	if err != nil {
		return Cell{}, 0, newErr(KindUnexpectedEof, "cell column index: %v", err)
	}
	pos += n
	if pos >= len(input) {
		return Cell{}, 0, newErr(KindUnexpectedEof, "cell flags byte missing")
	}
	flags := input[pos]
	pos++

	cell := Cell{ColumnIndex: int(colIdx), TimestampUs: rowTimestamp}

	if flags&cellFlagIsDeleted != 0 {
		cell.Deleted = true
	}
	if flags&cellFlagHasTimestamp != 0 && flags&cellFlagUseRowTimestamp == 0 {
		ts, n, err := DecodeVInt(input[pos:])
		if err != nil {
			return Cell{}, 0, newErr(KindUnexpectedEof, "cell timestamp: %v", err)
		}
		pos += n
		cell.TimestampUs = ts
	}
	if flags&cellFlagHasTTL != 0 {
		ttl, n, err := DecodeVUInt(input[pos:])
		if err != nil {
			return Cell{}, 0, newErr(KindUnexpectedEof, "cell ttl: %v", err)
		}
		pos += n
		cell.TTLSecs = ttl
	}

	if flags&cellFlagHasValue != 0 && !cell.Deleted {
		if int(colIdx) >= len(columns) {
			return Cell{}, 0, newErr(KindSchemaMismatch, "cell references column index %d beyond schema's %d columns", colIdx, len(columns))
		}
		valueLen, n, err := DecodeVInt(input[pos:])
		if err != nil {
			return Cell{}, 0, newErr(KindUnexpectedEof, "cell value length: %v", err)
		}
		pos += n
		if valueLen < 0 {
			// negative length marks a null value, matching the Tuple/UDT
			// field convention in complex_types.go.
			cell.Value = NullValue()
		} else {
			if pos+int(valueLen) > len(input) {
				return Cell{}, 0, newErr(KindUnexpectedEof, "cell value truncated: need %d bytes, have %d", valueLen, len(input)-pos)
			}
			v, _, err := decodeBySchema(input[pos:pos+int(valueLen)], columns[colIdx])
			if err != nil {
				return Cell{}, 0, err
			}
			pos += int(valueLen)
			cell.Value = v
		}
	} else {
		cell.Value = NullValue()
	}

	return cell, pos, nil
}

func decodeRangeTombstoneMarker(input []byte, columns []ColumnSpec) (RangeTombstoneMarker, int, error) {
	pos := 0
	if pos >= len(input) {
		return RangeTombstoneMarker{}, 0, newErr(KindUnexpectedEof, "range tombstone bound kind missing")
	}
	bound := RangeTombstoneBoundKind(input[pos])
	pos++
	if bound > BoundExclusiveEnd {
		return RangeTombstoneMarker{}, 0, newErr(KindCorruptedBlock, "invalid range tombstone bound kind %d", bound)
	}

	ldt, n, err := DecodeVUInt(input[pos:])
	if err != nil {
		return RangeTombstoneMarker{}, 0, newErr(KindUnexpectedEof, "range tombstone deletion time: %v", err)
	}
	pos += n

	ts, n, err := DecodeVInt(input[pos:])
	if err != nil {
		return RangeTombstoneMarker{}, 0, newErr(KindUnexpectedEof, "range tombstone timestamp: %v", err)
	}
	pos += n

	valueCount, n, err := DecodeVUInt(input[pos:])
	if err != nil {
		return RangeTombstoneMarker{}, 0, newErr(KindUnexpectedEof, "range tombstone clustering value count: %v", err)
	}
	pos += n

	marker := RangeTombstoneMarker{Bound: bound, LocalDeletionTime: ldt, TimestampUs: ts}
	for i := uint64(0); i < valueCount && i < uint64(len(columns)); i++ {
		valueLen, n, err := DecodeVInt(input[pos:])
		if err != nil {
			return RangeTombstoneMarker{}, 0, newErr(KindUnexpectedEof, "range tombstone bound value length: %v", err)
		}
		pos += n
		if valueLen < 0 {
			marker.ClusteringValues = append(marker.ClusteringValues, NullValue())
			continue
		}
		if pos+int(valueLen) > len(input) {
			return RangeTombstoneMarker{}, 0, newErr(KindUnexpectedEof, "range tombstone bound value truncated")
		}
		v, _, err := decodeBySchema(input[pos:pos+int(valueLen)], columns[i])
		if err != nil {
			return RangeTombstoneMarker{}, 0, err
		}
		pos += int(valueLen)
		marker.ClusteringValues = append(marker.ClusteringValues, v)
	}
	return marker, pos, nil
}

// EncodePartitionBody is the inverse of DecodePartitionBody: it serializes a
// partition's static row, rows, and range-tombstone markers, followed by the
// end-of-partition marker, for the flush-to-SSTable writer (spec.md §4.K).
func EncodePartitionBody(body PartitionBody, schema TableSchema) []byte {
	columns := columnSchemaList(schema)
	var out []byte
	if body.StaticRow != nil {
		out = append(out, rowKindStaticRow)
		out = encodeRow(out, *body.StaticRow, columns)
	}
	for _, r := range body.Rows {
		out = append(out, rowKindRow)
		out = encodeRow(out, r, columns)
	}
	for _, m := range body.Tombstones {
		out = append(out, rowKindRangeTombstone)
		out = encodeRangeTombstoneMarker(out, m, columns)
	}
	out = append(out, rowKindEndOfPartition)
	return out
}

func encodeLivenessInfo(out []byte, l LivenessInfo) []byte {
	out = append(out, EncodeVInt(l.TimestampUs)...)
	out = append(out, EncodeVUInt(l.TTLSecs)...)
	out = append(out, EncodeVUInt(l.LocalDeletionTime)...)
	return out
}

func encodeRow(out []byte, row DecodedRow, columns []ColumnSpec) []byte {
	out = encodeLivenessInfo(out, row.Liveness)
	out = append(out, EncodeVUInt(uint64(len(row.Cells)))...)
	for _, cell := range row.Cells {
		out = encodeCell(out, cell, row.Liveness.TimestampUs)
	}
	return out
}

func encodeCell(out []byte, cell Cell, rowTimestamp int64) []byte {
	out = append(out, EncodeVUInt(uint64(cell.ColumnIndex))...)

	var flags byte
	if cell.Deleted {
		flags |= cellFlagIsDeleted
	}
	useRowTimestamp := cell.TimestampUs == rowTimestamp
	hasValue := !cell.Deleted && !cell.Value.IsNull()
	if hasValue {
		flags |= cellFlagHasValue
	}
	if !useRowTimestamp {
		flags |= cellFlagHasTimestamp
	} else {
		flags |= cellFlagUseRowTimestamp
	}
	if cell.TTLSecs != 0 {
		flags |= cellFlagHasTTL
	}
	out = append(out, flags)

	if flags&cellFlagHasTimestamp != 0 && flags&cellFlagUseRowTimestamp == 0 {
		out = append(out, EncodeVInt(cell.TimestampUs)...)
	}
	if flags&cellFlagHasTTL != 0 {
		out = append(out, EncodeVUInt(cell.TTLSecs)...)
	}
	if hasValue {
		body, err := encodeBySchemalessValue(cell.Value)
		if err != nil {
			body = nil
		}
		out = append(out, EncodeVInt(int64(len(body)))...)
		out = append(out, body...)
	}
	return out
}

func encodeRangeTombstoneMarker(out []byte, m RangeTombstoneMarker, columns []ColumnSpec) []byte {
	out = append(out, byte(m.Bound))
	out = append(out, EncodeVUInt(m.LocalDeletionTime)...)
	out = append(out, EncodeVInt(m.TimestampUs)...)
	out = append(out, EncodeVUInt(uint64(len(m.ClusteringValues)))...)
	for _, v := range m.ClusteringValues {
		if v.IsNull() {
			out = append(out, EncodeVInt(-1)...)
			continue
		}
		body, err := encodeBySchemalessValue(v)
		if err != nil {
			body = nil
		}
		out = append(out, EncodeVInt(int64(len(body)))...)
		out = append(out, body...)
	}
	return out
}

// RowToValues flattens a DecodedRow into the schema's full column-name ->
// Value map, filling absent cells with NullValue.
func RowToValues(row DecodedRow, schema TableSchema) map[string]Value {
	columns := columnSchemaList(schema)
	out := make(map[string]Value, len(columns))
	for _, c := range columns {
		out[c.Name] = NullValue()
	}
	for _, cell := range row.Cells {
		if cell.ColumnIndex < 0 || cell.ColumnIndex >= len(columns) {
			continue
		}
		if cell.Deleted {
			out[columns[cell.ColumnIndex].Name] = Value{Kind: KindTombstone, Tombstone: &Tombstone{Kind: DeletionCell, DeletionTimeSecs: int32(cell.TTLSecs)}}
			continue
		}
		out[columns[cell.ColumnIndex].Name] = cell.Value
	}
	return out
}
