package cqlite

import (
	"bytes"
	"fmt"
)

// TableId identifies a keyspace+table pair. It is immutable once constructed
// and used as the outer key in every cache and memtable.
type TableId struct {
	Keyspace string
	Table    string
}

func NewTableId(keyspace, table string) TableId {
	return TableId{Keyspace: keyspace, Table: table}
}

func (t TableId) String() string {
	return t.Keyspace + "." + t.Table
}

func (t TableId) Less(other TableId) bool {
	if t.Keyspace != other.Keyspace {
		return t.Keyspace < other.Keyspace
	}
	return t.Table < other.Table
}

// RowKey is the encoded (byte-comparable) partition key, optionally followed
// by a clustering prefix. Ordering is unsigned lexicographic.
type RowKey []byte

func (k RowKey) Compare(other RowKey) int {
	return bytes.Compare(k, other)
}

func (k RowKey) Clone() RowKey {
	out := make(RowKey, len(k))
	copy(out, k)
	return out
}

// ValueKind tags the sum type carried by Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBoolean
	KindTinyInt
	KindSmallInt
	KindInt
	KindBigInt
	KindFloat
	KindDouble
	KindText
	KindBlob
	KindTimestamp
	KindDate
	KindTime
	KindUuid
	KindTimeUuid
	KindInet
	KindDecimal
	KindVarInt
	KindDuration
	KindList
	KindSet
	KindMap
	KindTuple
	KindUdt
	KindFrozen
	KindTombstone
)

// Decimal is an arbitrary-scale decimal: unscaled big-endian two's-complement
// integer plus a base-10 scale.
type Decimal struct {
	Scale    int32
	Unscaled []byte
}

// Duration is Cassandra's {months, days, nanos} triple.
type Duration struct {
	Months int32
	Days   int32
	Nanos  int64
}

// MapEntry is one (key, value) pair of a Map value. Map is stored as an
// ordered vector, not a hash map, because keys are themselves Values and
// encoded order is significant (spec.md §3).
type MapEntry struct {
	Key   Value
	Value Value
}

// UdtField is one named field of a user-defined type value.
type UdtField struct {
	Name  string
	Value Value
}

// Udt is a user-defined-type value: a namespaced, named tuple of fields.
type Udt struct {
	Keyspace string
	Name     string
	Fields   []UdtField
}

// DeletionKind distinguishes the flavor of a Tombstone value.
type DeletionKind uint8

const (
	DeletionLive DeletionKind = iota
	DeletionRow
	DeletionRange
	DeletionCell
)

// Tombstone carries a deletion marker's timestamp and optional TTL.
type Tombstone struct {
	DeletionTimeSecs int32
	Kind             DeletionKind
	TTLSecs          int32 // 0 means "no TTL"
}

// Value is a tagged union over every CQL type this engine understands. Only
// the field matching Kind is meaningful; the others are zero.
type Value struct {
	Kind ValueKind

	Bool    bool
	Int8    int8
	Int16   int16
	Int32   int32
	Int64   int64
	Float32 float32
	Float64 float64
	Bytes   []byte // Text (UTF-8), Blob, Inet, Uuid/TimeUuid (16 bytes)

	Decimal  Decimal
	VarInt   []byte // two's-complement big-endian
	Duration Duration

	List  []Value
	Map   []MapEntry
	Tuple []Value
	Udt   *Udt

	Frozen *Value

	Tombstone *Tombstone
}

func NullValue() Value { return Value{Kind: KindNull} }

func BooleanValue(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }
func TinyIntValue(v int8) Value { return Value{Kind: KindTinyInt, Int8: v} }
func SmallIntValue(v int16) Value { return Value{Kind: KindSmallInt, Int16: v} }
func IntValue(v int32) Value    { return Value{Kind: KindInt, Int32: v} }
func BigIntValue(v int64) Value { return Value{Kind: KindBigInt, Int64: v} }
func FloatValue(v float32) Value { return Value{Kind: KindFloat, Float32: v} }
func DoubleValue(v float64) Value { return Value{Kind: KindDouble, Float64: v} }
func TextValue(s string) Value  { return Value{Kind: KindText, Bytes: []byte(s)} }
func BlobValue(b []byte) Value  { return Value{Kind: KindBlob, Bytes: b} }
func TimestampValue(microsSinceEpoch int64) Value {
	return Value{Kind: KindTimestamp, Int64: microsSinceEpoch}
}
func DateValue(daysSinceEpoch uint32) Value {
	return Value{Kind: KindDate, Int32: int32(daysSinceEpoch)}
}
func TimeValue(nanosSinceMidnight int64) Value {
	return Value{Kind: KindTime, Int64: nanosSinceMidnight}
}
func UuidValue(b [16]byte) Value     { return Value{Kind: KindUuid, Bytes: b[:]} }
func TimeUuidValue(b [16]byte) Value { return Value{Kind: KindTimeUuid, Bytes: b[:]} }
func InetValue(b []byte) Value       { return Value{Kind: KindInet, Bytes: b} }

func (v Value) IsNull() bool      { return v.Kind == KindNull }
func (v Value) IsTombstone() bool { return v.Kind == KindTombstone }

func (v Value) Text() string { return string(v.Bytes) }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBoolean:
		return fmt.Sprintf("%v", v.Bool)
	case KindText:
		return v.Text()
	case KindInt:
		return fmt.Sprintf("%d", v.Int32)
	case KindBigInt:
		return fmt.Sprintf("%d", v.Int64)
	default:
		return fmt.Sprintf("Value{kind=%d}", v.Kind)
	}
}

// ColumnSpec names and types one column of a table, as provided by the
// excluded schema-source collaborator (spec.md §6).
type ColumnSpec struct {
	Name string
	Type ValueKind
	// Inner describes element/key/value types for List/Set/Map/Tuple
	// columns, and field types for UDT columns, in declaration order.
	Inner []ColumnSpec
	// UdtRef names a UDT type defined in TableSchema.Udts, for columns
	// whose Type is KindUdt.
	UdtRef string
}

// UdtTypeDef is a user-defined type's side-car schema.
type UdtTypeDef struct {
	Keyspace string
	Name     string
	Fields   []ColumnSpec
}

// TableSchema is the excluded schema-source collaborator's response shape
// (spec.md §6). The engine façade does not call SchemaSource; the
// generations it writes decode under InternalSchema.
type TableSchema struct {
	Keyspace        string
	Table           string
	PartitionKeys   []ColumnSpec
	ClusteringKeys  []ColumnSpec
	RegularColumns  []ColumnSpec
	Udts            []UdtTypeDef
}

// SchemaSource is the excluded collaborator the core calls to resolve a
// table's column types.
type SchemaSource interface {
	SchemaFor(table TableId) (TableSchema, error)
}

// Row is a fully decoded set of column values for one clustering position
// within a partition (or the lone row of a table with no clustering keys).
type Row struct {
	Key     RowKey
	Columns map[string]Value
}
