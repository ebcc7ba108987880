package cqlite

import "encoding/binary"

// SSTableHeader is the parsed prefix of a Data.db file (spec.md §4.D): a
// format version tag, partitioner class name, a min/max timestamp pair, and
// a properties map. Unknown properties are kept, never rejected.
type SSTableHeader struct {
	Version          string // "oa" or "nb"
	PartitionerClass string
	MinTimestamp     int64
	MaxTimestamp     int64
	Properties       map[string]string
}

// ParseSSTableHeader reads the Data.db prefix starting at input[0].
func ParseSSTableHeader(input []byte) (SSTableHeader, int, error) {
	if len(input) < 2 {
		return SSTableHeader{}, 0, newErr(KindUnexpectedEof, "sstable header needs at least 2 bytes for version tag")
	}
	version := string(input[:2])
	if version != "oa" && version != "nb" {
		return SSTableHeader{}, 0, newErr(KindUnsupportedVersion, "unrecognized sstable format version %q", version)
	}
	pos := 2

	partitioner, n, err := readLengthPrefixedString(input[pos:])
	if err != nil {
		return SSTableHeader{}, 0, err
	}
	pos += n

	if len(input)-pos < 16 {
		return SSTableHeader{}, 0, newErr(KindUnexpectedEof, "sstable header needs 16 bytes for timestamp range")
	}
	minTs := int64(binary.BigEndian.Uint64(input[pos:]))
	maxTs := int64(binary.BigEndian.Uint64(input[pos+8:]))
	pos += 16

	propCount, n, err := DecodeVIntLength(input[pos:])
	if err != nil {
		return SSTableHeader{}, 0, err
	}
	pos += n

	props := make(map[string]string, propCount)
	for i := 0; i < propCount; i++ {
		key, n, err := readLengthPrefixedString(input[pos:])
		if err != nil {
			return SSTableHeader{}, 0, err
		}
		pos += n
		val, n, err := readLengthPrefixedString(input[pos:])
		if err != nil {
			return SSTableHeader{}, 0, err
		}
		pos += n
		props[key] = val
	}

	return SSTableHeader{
		Version:          version,
		PartitionerClass: partitioner,
		MinTimestamp:     minTs,
		MaxTimestamp:     maxTs,
		Properties:       props,
	}, pos, nil
}

// EncodeSSTableHeader is the inverse of ParseSSTableHeader, used by the
// flush-to-SSTable writer (spec.md §4.K) to produce a Data.db prefix for a
// freshly written generation.
func EncodeSSTableHeader(h SSTableHeader) []byte {
	out := []byte(h.Version)
	out = appendLengthPrefixedString(out, h.PartitionerClass)
	ts := make([]byte, 16)
	binary.BigEndian.PutUint64(ts[0:8], uint64(h.MinTimestamp))
	binary.BigEndian.PutUint64(ts[8:16], uint64(h.MaxTimestamp))
	out = append(out, ts...)
	out = append(out, EncodeVUInt(uint64(len(h.Properties)))...)
	for k, v := range h.Properties {
		out = appendLengthPrefixedString(out, k)
		out = appendLengthPrefixedString(out, v)
	}
	return out
}

func appendLengthPrefixedString(buf []byte, s string) []byte {
	buf = append(buf, EncodeVUInt(uint64(len(s)))...)
	return append(buf, s...)
}

func readLengthPrefixedString(input []byte) (string, int, error) {
	length, n, err := DecodeVIntLength(input)
	if err != nil {
		return "", 0, err
	}
	if len(input)-n < length {
		return "", 0, newErr(KindUnexpectedEof, "string declares %d bytes, only %d available", length, len(input)-n)
	}
	return string(input[n : n+length]), n + length, nil
}
