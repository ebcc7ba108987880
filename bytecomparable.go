package cqlite

import (
	"encoding/binary"
	"math"
)

// EncodeByteComparable maps v to a byte sequence whose unsigned
// lexicographic order matches v's typed CQL order (spec.md §4.B).
//
// Text uses the two-byte escape scheme (embedded 0x00 -> 0x00 0x01,
// terminator -> 0x00 0x00) rather than the original source's bare
// single-0x00 terminator, per spec.md §9's flagged fix: a bare terminator
// is not prefix-free once a text column can contain an embedded NUL.
func EncodeByteComparable(v Value) ([]byte, error) {
	var buf []byte
	if err := encodeByteComparableInto(&buf, v); err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeByteComparableInto(buf *[]byte, v Value) error {
	switch v.Kind {
	case KindText:
		encodeEscapedText(buf, v.Bytes)
		return nil
	case KindInt:
		encodeSignFlipped(buf, int64(v.Int32), 4)
		return nil
	case KindBigInt, KindTimestamp, KindTime:
		encodeSignFlipped(buf, v.Int64, 8)
		return nil
	case KindSmallInt:
		encodeSignFlipped(buf, int64(v.Int16), 2)
		return nil
	case KindTinyInt:
		encodeSignFlipped(buf, int64(v.Int8), 1)
		return nil
	case KindDate:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.Int32))
		*buf = append(*buf, b[:]...)
		return nil
	case KindFloat:
		*buf = append(*buf, encodeFloatBits(uint64(math.Float32bits(v.Float32)), 4)...)
		return nil
	case KindDouble:
		*buf = append(*buf, encodeFloatBits(math.Float64bits(v.Float64), 8)...)
		return nil
	case KindBoolean:
		if v.Bool {
			*buf = append(*buf, 0x01)
		} else {
			*buf = append(*buf, 0x00)
		}
		return nil
	case KindUuid:
		*buf = append(*buf, v.Bytes...)
		return nil
	case KindTimeUuid:
		*buf = append(*buf, reorderTimeUuid(v.Bytes)...)
		return nil
	case KindBlob, KindInet:
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(v.Bytes)))
		*buf = append(*buf, lenBytes[:]...)
		*buf = append(*buf, v.Bytes...)
		return nil
	case KindList, KindTuple:
		return encodeByteComparableSequence(buf, v.List)
	case KindSet:
		return encodeByteComparableSet(buf, v.List)
	case KindMap:
		return encodeByteComparableMap(buf, v.Map)
	case KindFrozen:
		return encodeByteComparableInto(buf, *v.Frozen)
	case KindNull:
		// A null sorts before every encoded non-null value of its type; an
		// empty encoding satisfies that for every type this encoder handles.
		return nil
	default:
		return newErr(KindInvalidTypeId, "value kind %d has no byte-comparable encoding", v.Kind)
	}
}

func encodeEscapedText(buf *[]byte, text []byte) {
	for _, b := range text {
		if b == 0x00 {
			*buf = append(*buf, 0x00, 0x01)
		} else {
			*buf = append(*buf, b)
		}
	}
	*buf = append(*buf, 0x00, 0x00)
}

// encodeSignFlipped writes a width-byte big-endian magnitude prefixed with
// 0x80 (non-negative) or 0x7F + inverted magnitude (negative). v is sign
// extended to 64 bits; only the low width*8 bits of the result are kept, so
// this is correct for every supported width including the int64 minimum
// (negation is done via unsigned wraparound, never via signed negation).
func encodeSignFlipped(buf *[]byte, v int64, width int) {
	if v >= 0 {
		*buf = append(*buf, 0x80)
		appendBigEndian(buf, uint64(v), width)
		return
	}
	*buf = append(*buf, 0x7F)
	bits := uint64(v)
	magnitude := (^bits) + 1 // two's-complement negation, wraps correctly at MinInt64
	inverted := ^magnitude
	appendBigEndian(buf, inverted, width)
}

func appendBigEndian(buf *[]byte, v uint64, width int) {
	start := len(*buf)
	*buf = append(*buf, make([]byte, width)...)
	for i := width - 1; i >= 0; i-- {
		(*buf)[start+i] = byte(v & 0xFF)
		v >>= 8
	}
}

// encodeFloatBits flips the IEEE-754 bit pattern so unsigned-lex order
// matches float order: non-negative -> flip sign bit, negative -> flip all bits.
func encodeFloatBits(bitsv uint64, width int) []byte {
	var signMask uint64
	if width == 4 {
		signMask = 1 << 31
	} else {
		signMask = 1 << 63
	}
	var out uint64
	if bitsv&signMask == 0 {
		out = bitsv | signMask
	} else {
		out = ^bitsv
	}
	b := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		b[i] = byte(out & 0xFF)
		out >>= 8
	}
	return b
}

// reorderTimeUuid places the 100ns-timestamp fields (high, mid, low) first
// so that TimeUUIDs sort by the instant they encode, then the remaining
// clock-sequence/node bytes.
func reorderTimeUuid(u []byte) []byte {
	if len(u) != 16 {
		return append([]byte(nil), u...)
	}
	// RFC 4122 layout: time_low(4) time_mid(2) time_hi_and_version(2) clock_seq(2) node(6)
	out := make([]byte, 0, 16)
	out = append(out, u[6], u[7]) // time_hi (low 12 bits are the high timestamp bits)
	out = append(out, u[4], u[5]) // time_mid
	out = append(out, u[0], u[1], u[2], u[3]) // time_low
	out = append(out, u[8:]...)
	return out
}

func encodeByteComparableSequence(buf *[]byte, items []Value) error {
	var countBytes [4]byte
	binary.BigEndian.PutUint32(countBytes[:], uint32(len(items)))
	*buf = append(*buf, countBytes[:]...)
	for _, it := range items {
		if err := encodeByteComparableInto(buf, it); err != nil {
			return err
		}
	}
	return nil
}

// encodeByteComparableSet sorts the encoded elements before emitting them,
// so equal sets (regardless of insertion order) produce identical bytes and
// comparisons can short-circuit on encoded order.
func encodeByteComparableSet(buf *[]byte, items []Value) error {
	encoded := make([][]byte, len(items))
	for i, it := range items {
		e, err := EncodeByteComparable(it)
		if err != nil {
			return err
		}
		encoded[i] = e
	}
	sortByteSlices(encoded)

	var countBytes [4]byte
	binary.BigEndian.PutUint32(countBytes[:], uint32(len(encoded)))
	*buf = append(*buf, countBytes[:]...)
	for _, e := range encoded {
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(e)))
		*buf = append(*buf, lenBytes[:]...)
		*buf = append(*buf, e...)
	}
	return nil
}

type byteComparablePair struct {
	key   []byte
	value []byte
}

func encodeByteComparableMap(buf *[]byte, entries []MapEntry) error {
	pairs := make([]byteComparablePair, len(entries))
	for i, e := range entries {
		k, err := EncodeByteComparable(e.Key)
		if err != nil {
			return err
		}
		v, err := EncodeByteComparable(e.Value)
		if err != nil {
			return err
		}
		pairs[i] = byteComparablePair{key: k, value: v}
	}
	sortMapPairsByKey(pairs)

	var countBytes [4]byte
	binary.BigEndian.PutUint32(countBytes[:], uint32(len(pairs)))
	*buf = append(*buf, countBytes[:]...)
	for _, p := range pairs {
		var klen, vlen [4]byte
		binary.BigEndian.PutUint32(klen[:], uint32(len(p.key)))
		binary.BigEndian.PutUint32(vlen[:], uint32(len(p.value)))
		*buf = append(*buf, klen[:]...)
		*buf = append(*buf, p.key...)
		*buf = append(*buf, vlen[:]...)
		*buf = append(*buf, p.value...)
	}
	return nil
}

func sortByteSlices(s [][]byte) {
	// insertion sort: collections are small (schema-bounded) so O(n^2) is fine
	// and keeps this allocation-free beyond the slice itself.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && lessBytes(s[j], s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func sortMapPairsByKey(pairs []byteComparablePair) {
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && lessBytes(pairs[j].key, pairs[j-1].key); j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
}

func lessBytes(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// EncodeCompositeKey concatenates the byte-comparable encoding of each
// component, separated by a single 0x00 byte (spec.md §4.B). Text
// components already terminate with 0x00 0x00 and integer encodings are
// fixed-width, so the separator introduces no ambiguity.
func EncodeCompositeKey(components []Value) ([]byte, error) {
	var buf []byte
	for i, c := range components {
		if i > 0 {
			buf = append(buf, 0x00)
		}
		if err := encodeByteComparableInto(&buf, c); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeByteComparableDebug renders a byte-comparable key for debugging:
// hex, or the printable-ASCII string form when every byte is printable.
// It is never used by real lookups, which compare bytes directly.
func DecodeByteComparableDebug(encoded []byte) string {
	printable := true
	for _, b := range encoded {
		if b < 0x20 || b > 0x7E {
			printable = false
			break
		}
	}
	if printable {
		return string(encoded)
	}
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(encoded)*2)
	for _, b := range encoded {
		out = append(out, hexDigits[b>>4], hexDigits[b&0xF])
	}
	return string(out)
}
