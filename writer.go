package cqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// internalValueColumn is the regular-column name the flush writer gives the
// single opaque Value a memtable entry carries (spec.md §3's MemTableEntry
// has one value per key, not a multi-column row). SSTables produced by this
// writer therefore describe themselves with InternalSchema: no declared
// partition-key column (each partition's key is the caller's already
// byte-comparable-encoded RowKey, kept in Index.db and Filter.db) and one
// regular column ("value") holding the stored Value. SSTables consumed from
// an external, schema-bearing source still decode through the caller's real
// TableSchema via SSTableReader.Get/Scan; this internal schema only
// describes generations this engine itself writes.
const internalValueColumn = "value"

// InternalSchema is the TableSchema every SSTable written by WriteSSTable
// self-describes under.
func InternalSchema(table TableId) TableSchema {
	return TableSchema{
		Keyspace:       table.Keyspace,
		Table:          table.Table,
		RegularColumns: []ColumnSpec{{Name: internalValueColumn, Type: KindBlob}},
	}
}

// FlushedEntry is one (already partition-key-encoded) row a memtable flush
// handed to the writer.
type FlushedEntry struct {
	Key   RowKey
	Value Value
}

// sstableFilePrefix matches the "nb-<gen>-big-<component>.db" naming
// spec.md §4.I and §6 both reference.
const sstableFilePrefix = "nb"

func sstableComponentPath(dir string, generation int, component string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d-big-%s", sstableFilePrefix, generation, component))
}

// WriteSSTable flushes entries (not assumed pre-sorted) into a new SSTable
// generation on disk: Data.db (partition bodies under InternalSchema),
// Statistics.db (header only — no variable payload, matching a writer that
// has nothing richer to report), Filter.db (a bloom filter over every
// partition key), a legacy Index.db (sorted {VUInt key_length, key,
// VUInt offset} entries — see DESIGN.md for why the writer targets the
// legacy index format rather than emitting BTI), and a TOC.txt enumerating
// the components (spec.md §6). It is the writer side of spec.md §4.K's
// flush contract: "hand the old [memtable] to a writer that emits a new
// SSTable."
func WriteSSTable(dir string, generation int, entries []FlushedEntry, bloomFilterEnabled bool) (SSTableFiles, error) {
	sorted := append([]FlushedEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Compare(sorted[j].Key) < 0 })

	header := SSTableHeader{
		Version:          sstableFilePrefix,
		PartitionerClass: "org.apache.cassandra.dht.Murmur3Partitioner",
		Properties:       map[string]string{},
	}

	dataPath := sstableComponentPath(dir, generation, "Data.db")
	dataBytes := EncodeSSTableHeader(header)

	schema := TableSchema{RegularColumns: []ColumnSpec{{Name: internalValueColumn, Type: KindBlob}}}
	offsets := make([]legacyIndexEntry, 0, len(sorted))
	for _, e := range sorted {
		offset := uint64(len(dataBytes))
		offsets = append(offsets, legacyIndexEntry{Key: append([]byte(nil), e.Key...), Offset: offset})

		body := PartitionBody{Rows: []DecodedRow{{
			Cells: []Cell{{
				ColumnIndex: 0,
				Value:       Value{Kind: KindBlob, Bytes: encodeStoredValue(e.Value)},
			}},
		}}}
		dataBytes = append(dataBytes, EncodePartitionBody(body, schema)...)
	}

	if err := os.WriteFile(dataPath, dataBytes, 0o644); err != nil {
		return SSTableFiles{}, wrapIo(err, dataPath, 0, "write Data.db")
	}

	statsPath := sstableComponentPath(dir, generation, "Statistics.db")
	statsBytes := EncodeStatisticsHeader(StatisticsHeader{
		DataLength: uint32(len(dataBytes)),
		Metadata2:  uint32(len(sorted)),
	})
	if err := os.WriteFile(statsPath, statsBytes, 0o644); err != nil {
		return SSTableFiles{}, wrapIo(err, statsPath, 0, "write Statistics.db")
	}

	indexPath := sstableComponentPath(dir, generation, "Index.db")
	var indexBytes []byte
	for _, e := range offsets {
		indexBytes = append(indexBytes, EncodeVUInt(uint64(len(e.Key)))...)
		indexBytes = append(indexBytes, e.Key...)
		indexBytes = append(indexBytes, EncodeVUInt(e.Offset)...)
	}
	if err := os.WriteFile(indexPath, indexBytes, 0o644); err != nil {
		return SSTableFiles{}, wrapIo(err, indexPath, 0, "write Index.db")
	}

	var filterPath string
	toc := "Data.db\nStatistics.db\nIndex.db\n"
	if bloomFilterEnabled {
		filterPath = sstableComponentPath(dir, generation, "Filter.db")
		expected := len(sorted)
		if expected == 0 {
			expected = 1
		}
		bf, err := NewBloomFilter(expected, 0.01)
		if err != nil {
			return SSTableFiles{}, err
		}
		for _, e := range sorted {
			bf.Add(e.Key)
		}
		filterBytes, err := bf.Marshal()
		if err != nil {
			return SSTableFiles{}, err
		}
		if err := os.WriteFile(filterPath, filterBytes, 0o644); err != nil {
			return SSTableFiles{}, wrapIo(err, filterPath, 0, "write Filter.db")
		}
		toc += "Filter.db\n"
	}

	tocPath := sstableComponentPath(dir, generation, "TOC.txt")
	if err := os.WriteFile(tocPath, []byte(toc), 0o644); err != nil {
		return SSTableFiles{}, wrapIo(err, tocPath, 0, "write TOC.txt")
	}

	return SSTableFiles{
		Generation: generation,
		Data:       dataPath,
		Statistics: statsPath,
		Filter:     filterPath,
		Index:      indexPath,
	}, nil
}

// --- self-describing stored-value codec ---
//
// encodeStoredValue/decodeStoredValue give InternalSchema's single "value"
// column a schema-independent wire form: {kind byte}{VUInt body length}{body},
// recursing through collections the same way. This is distinct from (but
// reuses the primitive encoders of) the schema-driven Data.db codec in
// complex_types.go, which needs a caller-supplied ColumnSpec per element;
// the façade's own flushed generations have no external schema to supply,
// so each stored value carries its own type tag.

func encodeStoredValue(v Value) []byte {
	body := encodeStoredValueBody(v)
	out := make([]byte, 0, 1+9+len(body))
	out = append(out, byte(v.Kind))
	out = append(out, EncodeVUInt(uint64(len(body)))...)
	out = append(out, body...)
	return out
}

func encodeStoredValueBody(v Value) []byte {
	switch v.Kind {
	case KindNull:
		return nil
	case KindList, KindSet, KindTuple:
		items := v.List
		if v.Kind == KindTuple {
			items = v.Tuple
		}
		out := EncodeVUInt(uint64(len(items)))
		for _, it := range items {
			out = append(out, encodeStoredValue(it)...)
		}
		return out
	case KindMap:
		out := EncodeVUInt(uint64(len(v.Map)))
		for _, e := range v.Map {
			out = append(out, encodeStoredValue(e.Key)...)
			out = append(out, encodeStoredValue(e.Value)...)
		}
		return out
	case KindUdt:
		var out []byte
		out = appendLengthPrefixedString(out, v.Udt.Keyspace)
		out = appendLengthPrefixedString(out, v.Udt.Name)
		out = append(out, EncodeVUInt(uint64(len(v.Udt.Fields)))...)
		for _, f := range v.Udt.Fields {
			out = appendLengthPrefixedString(out, f.Name)
			out = append(out, encodeStoredValue(f.Value)...)
		}
		return out
	case KindFrozen:
		return encodeStoredValue(*v.Frozen)
	default:
		b, err := EncodePrimitive(v)
		if err != nil {
			return nil
		}
		return b
	}
}

func decodeStoredValue(input []byte) (Value, int, error) {
	if len(input) < 1 {
		return Value{}, 0, newErr(KindUnexpectedEof, "stored value needs a kind byte")
	}
	kind := ValueKind(input[0])
	length, n, err := DecodeVIntLength(input[1:])
	if err != nil {
		return Value{}, 0, err
	}
	pos := 1 + n
	if pos+length > len(input) {
		return Value{}, 0, newErr(KindUnexpectedEof, "stored value declares %d bytes, only %d available", length, len(input)-pos)
	}
	body := input[pos : pos+length]
	total := pos + length

	v, err := decodeStoredValueBody(kind, body)
	if err != nil {
		return Value{}, 0, err
	}
	return v, total, nil
}

func decodeStoredValueBody(kind ValueKind, body []byte) (Value, error) {
	switch kind {
	case KindNull:
		return NullValue(), nil
	case KindList, KindSet, KindTuple:
		count, n, err := DecodeVIntLength(body)
		if err != nil {
			return Value{}, err
		}
		pos := n
		items := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			v, consumed, err := decodeStoredValue(body[pos:])
			if err != nil {
				return Value{}, err
			}
			pos += consumed
			items = append(items, v)
		}
		if kind == KindTuple {
			return Value{Kind: KindTuple, Tuple: items}, nil
		}
		return Value{Kind: kind, List: items}, nil
	case KindMap:
		count, n, err := DecodeVIntLength(body)
		if err != nil {
			return Value{}, err
		}
		pos := n
		entries := make([]MapEntry, 0, count)
		for i := 0; i < count; i++ {
			k, kn, err := decodeStoredValue(body[pos:])
			if err != nil {
				return Value{}, err
			}
			pos += kn
			val, vn, err := decodeStoredValue(body[pos:])
			if err != nil {
				return Value{}, err
			}
			pos += vn
			entries = append(entries, MapEntry{Key: k, Value: val})
		}
		return Value{Kind: KindMap, Map: entries}, nil
	case KindUdt:
		keyspace, n, err := readLengthPrefixedString(body)
		if err != nil {
			return Value{}, err
		}
		pos := n
		name, n, err := readLengthPrefixedString(body[pos:])
		if err != nil {
			return Value{}, err
		}
		pos += n
		count, n, err := DecodeVIntLength(body[pos:])
		if err != nil {
			return Value{}, err
		}
		pos += n
		fields := make([]UdtField, 0, count)
		for i := 0; i < count; i++ {
			fname, n, err := readLengthPrefixedString(body[pos:])
			if err != nil {
				return Value{}, err
			}
			pos += n
			v, consumed, err := decodeStoredValue(body[pos:])
			if err != nil {
				return Value{}, err
			}
			pos += consumed
			fields = append(fields, UdtField{Name: fname, Value: v})
		}
		return Value{Kind: KindUdt, Udt: &Udt{Keyspace: keyspace, Name: name, Fields: fields}}, nil
	case KindFrozen:
		inner, _, err := decodeStoredValue(body)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindFrozen, Frozen: &inner}, nil
	default:
		v, _, err := DecodePrimitive(valueKindToTypeId(kind), body)
		return v, err
	}
}
