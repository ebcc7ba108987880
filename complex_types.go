package cqlite

import (
	"bytes"
	"sort"
)

// This file implements the on-disk wire codec for composite CQL values
// (spec.md §4.C): List/Set use a VInt element count followed by
// {VInt length, bytes} elements; Map uses a VInt pair count followed by
// {VInt key_length, key, VInt value_length, value} pairs; Tuple/UDT use a
// fixed schema-driven arity with a negative-length null marker. This is
// distinct from the byte-comparable encoding in bytecomparable.go, which
// exists only so BTI tries can order keys.

// ElementCodec resolves how to decode/encode one element of a collection or
// one field of a tuple/UDT, given the column's declared type.
type ElementCodec struct {
	Schema ColumnSpec
}

// DecodeList decodes a List or Set cell body: VInt count, then
// {VInt length, bytes} per element, each further decoded via elem.
func DecodeList(input []byte, elem ColumnSpec) ([]Value, int, error) {
	count, n, err := DecodeVIntLength(input)
	if err != nil {
		return nil, 0, err
	}
	pos := n
	out := make([]Value, 0, count)
	for i := 0; i < count; i++ {
		v, consumed, err := decodeLengthPrefixedElement(input[pos:], elem)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
		pos += consumed
	}
	return out, pos, nil
}

// EncodeList is the inverse of DecodeList. When kind is KindSet, elements
// are written in their §4.B byte-comparable order (spec.md §4.C: "Set
// elements are written in encoded order... so that readers may
// short-circuit comparisons"); List elements are written as given.
func EncodeList(items []Value, kind ValueKind) ([]byte, error) {
	if kind == KindSet {
		items = sortedByByteComparable(items)
	}
	out := EncodeVUInt(uint64(len(items)))
	for _, it := range items {
		enc, err := encodeLengthPrefixedElement(it)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

// sortedByByteComparable returns items reordered by ascending §4.B
// byte-comparable encoding, leaving the input slice untouched. An element
// whose byte-comparable encoding fails sorts as if its encoding were empty
// (ahead of every non-empty encoding) rather than aborting the whole sort.
func sortedByByteComparable(items []Value) []Value {
	type keyed struct {
		key []byte
		val Value
	}
	pairs := make([]keyed, len(items))
	for i, it := range items {
		key, err := EncodeByteComparable(it)
		if err != nil {
			key = nil
		}
		pairs[i] = keyed{key: key, val: it}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].key, pairs[j].key) < 0
	})
	out := make([]Value, len(pairs))
	for i, p := range pairs {
		out[i] = p.val
	}
	return out
}

// DecodeMap decodes a Map cell body: VInt pair count, then
// {VInt key_length, key, VInt value_length, value} per pair, in
// encoded-key order as written.
func DecodeMap(input []byte, keySchema, valSchema ColumnSpec) ([]MapEntry, int, error) {
	count, n, err := DecodeVIntLength(input)
	if err != nil {
		return nil, 0, err
	}
	pos := n
	out := make([]MapEntry, 0, count)
	for i := 0; i < count; i++ {
		k, kn, err := decodeLengthPrefixedElement(input[pos:], keySchema)
		if err != nil {
			return nil, 0, err
		}
		pos += kn
		v, vn, err := decodeLengthPrefixedElement(input[pos:], valSchema)
		if err != nil {
			return nil, 0, err
		}
		pos += vn
		out = append(out, MapEntry{Key: k, Value: v})
	}
	return out, pos, nil
}

func EncodeMap(entries []MapEntry) ([]byte, error) {
	type keyed struct {
		key   []byte
		entry MapEntry
	}
	pairs := make([]keyed, len(entries))
	for i, e := range entries {
		key, err := EncodeByteComparable(e.Key)
		if err != nil {
			key = nil
		}
		pairs[i] = keyed{key: key, entry: e}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].key, pairs[j].key) < 0
	})
	out := EncodeVUInt(uint64(len(pairs)))
	for _, p := range pairs {
		e := p.entry
		kb, err := encodeLengthPrefixedElement(e.Key)
		if err != nil {
			return nil, err
		}
		vb, err := encodeLengthPrefixedElement(e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, kb...)
		out = append(out, vb...)
	}
	return out, nil
}

// DecodeTuple decodes a fixed-arity Tuple or UDT body: one
// {VInt length, bytes} (or a negative-length null marker) per field of
// schema, in declaration order. Missing trailing fields (schema evolution)
// decode as Null.
func DecodeTuple(input []byte, fields []ColumnSpec) ([]Value, int, error) {
	out := make([]Value, len(fields))
	pos := 0
	for i, f := range fields {
		if pos >= len(input) {
			out[i] = NullValue()
			continue
		}
		v, n, err := decodeLengthPrefixedElement(input[pos:], f)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += n
	}
	return out, pos, nil
}

func EncodeTuple(values []Value) ([]byte, error) {
	var out []byte
	for _, v := range values {
		enc, err := encodeLengthPrefixedElement(v)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

// DecodeUdt decodes a UDT cell body using its side-car schema's field list,
// in field-declaration order, applying the same missing-trailing-field
// tolerance as DecodeTuple.
func DecodeUdt(input []byte, def UdtTypeDef) (Udt, int, error) {
	values, n, err := DecodeTuple(input, def.Fields)
	if err != nil {
		return Udt{}, 0, err
	}
	fields := make([]UdtField, len(def.Fields))
	for i, f := range def.Fields {
		fields[i] = UdtField{Name: f.Name, Value: values[i]}
	}
	return Udt{Keyspace: def.Keyspace, Name: def.Name, Fields: fields}, n, nil
}

func EncodeUdt(u Udt) ([]byte, error) {
	values := make([]Value, len(u.Fields))
	for i, f := range u.Fields {
		values[i] = f.Value
	}
	return EncodeTuple(values)
}

// decodeLengthPrefixedElement reads {VInt length, bytes}; a length of -1 is
// the null marker used by Tuple/UDT fields.
func decodeLengthPrefixedElement(input []byte, schema ColumnSpec) (Value, int, error) {
	length, n, err := DecodeVInt(input)
	if err != nil {
		return Value{}, 0, err
	}
	if length < 0 {
		return NullValue(), n, nil
	}
	body := input[n:]
	if int64(len(body)) < length {
		return Value{}, 0, newErr(KindInvalidLength, "element declares %d bytes, only %d available", length, len(body))
	}
	body = body[:length]

	v, consumed, err := decodeBySchema(body, schema)
	if err != nil {
		return Value{}, 0, err
	}
	if int64(consumed) != length {
		return Value{}, 0, newErr(KindInvalidLength, "sub-decoder consumed %d of declared %d bytes", consumed, length)
	}
	return v, n + int(length), nil
}

func encodeLengthPrefixedElement(v Value) ([]byte, error) {
	if v.IsNull() {
		return EncodeVInt(-1), nil
	}
	body, err := encodeBySchemalessValue(v)
	if err != nil {
		return nil, err
	}
	out := EncodeVUInt(uint64(len(body)))
	out = append(out, body...)
	return out, nil
}

// decodeBySchema dispatches to the primitive or composite decoder indicated
// by schema.Type, validating that every sub-length is fully consumed
// (spec.md §4.C invariant).
func decodeBySchema(body []byte, schema ColumnSpec) (Value, int, error) {
	switch schema.Type {
	case KindList, KindSet:
		var elemSchema ColumnSpec
		if len(schema.Inner) > 0 {
			elemSchema = schema.Inner[0]
		}
		items, n, err := DecodeList(body, elemSchema)
		if err != nil {
			return Value{}, 0, err
		}
		kind := KindList
		if schema.Type == KindSet {
			kind = KindSet
		}
		return Value{Kind: kind, List: items}, n, nil

	case KindMap:
		var keySchema, valSchema ColumnSpec
		if len(schema.Inner) >= 2 {
			keySchema, valSchema = schema.Inner[0], schema.Inner[1]
		}
		entries, n, err := DecodeMap(body, keySchema, valSchema)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindMap, Map: entries}, n, nil

	case KindTuple:
		values, n, err := DecodeTuple(body, schema.Inner)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindTuple, Tuple: values}, n, nil

	case KindUdt:
		def := UdtTypeDef{Name: schema.UdtRef, Fields: schema.Inner}
		u, n, err := DecodeUdt(body, def)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindUdt, Udt: &u}, n, nil

	case KindFrozen:
		var inner ColumnSpec
		if len(schema.Inner) > 0 {
			inner = schema.Inner[0]
		}
		v, n, err := decodeBySchema(body, inner)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindFrozen, Frozen: &v}, n, nil

	default:
		return DecodePrimitive(valueKindToTypeId(schema.Type), body)
	}
}

func encodeBySchemalessValue(v Value) ([]byte, error) {
	switch v.Kind {
	case KindList, KindSet:
		return EncodeList(v.List, v.Kind)
	case KindMap:
		return EncodeMap(v.Map)
	case KindTuple:
		return EncodeTuple(v.Tuple)
	case KindUdt:
		return EncodeUdt(*v.Udt)
	case KindFrozen:
		return encodeBySchemalessValue(*v.Frozen)
	default:
		return EncodePrimitive(v)
	}
}

func valueKindToTypeId(k ValueKind) TypeId {
	switch k {
	case KindBoolean:
		return TypeBoolean
	case KindTinyInt:
		return TypeTinyInt
	case KindSmallInt:
		return TypeSmallInt
	case KindInt:
		return TypeInt
	case KindBigInt:
		return TypeBigInt
	case KindFloat:
		return TypeFloat
	case KindDouble:
		return TypeDouble
	case KindText:
		return TypeVarchar
	case KindBlob:
		return TypeBlob
	case KindTimestamp:
		return TypeTimestamp
	case KindDate:
		return TypeDate
	case KindTime:
		return TypeTime
	case KindUuid:
		return TypeUuid
	case KindTimeUuid:
		return TypeTimeUuid
	case KindInet:
		return TypeInet
	case KindDecimal:
		return TypeDecimal
	case KindVarInt:
		return TypeVarInt
	case KindDuration:
		return TypeDuration
	default:
		return TypeCustom
	}
}
