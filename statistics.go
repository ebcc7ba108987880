package cqlite

import "encoding/binary"

// statisticsFixedHeaderSize is the four 4-byte words (version_type,
// statistics_kind, reserved, data_length) plus three metadata words plus a
// checksum word that precede the variable Statistics.db payload.
const statisticsFixedHeaderSize = 4*4 + 4*3 + 4

// StatisticsHeader is the fixed 32-byte prefix of a Statistics.db file.
type StatisticsHeader struct {
	VersionType     uint32
	StatisticsKind  uint32
	Reserved        uint32
	DataLength      uint32
	Metadata1       uint32
	Metadata2       uint32
	Metadata3       uint32
	Checksum        uint32
}

// RowStatistics summarizes row-level counts, either decoded from the
// variable payload or synthesized per spec.md §4.D's best-effort rule.
type RowStatistics struct {
	TotalRows     uint64
	LiveRows      uint64
	TombstoneRows uint64
	PartitionCount uint64
}

// CompressionStatistics records the assumed or decoded compression profile.
type CompressionStatistics struct {
	Algorithm      string
	OriginalSize   uint64
	CompressedSize uint64
	Ratio          float64
}

// TimestampStatistics records the partition's timestamp extent.
type TimestampStatistics struct {
	MinTimestamp int64
	MaxTimestamp int64
	RowsWithTTL  uint64
}

// Statistics is the best-effort parse of a Statistics.db file: the fields
// this engine can reliably extract from the fixed header, reasonable
// synthesized defaults for everything else, and the unparsed payload tail
// preserved verbatim (spec.md §4.D, Open Question 1 — see DESIGN.md).
type Statistics struct {
	Header      StatisticsHeader
	RowStats    RowStatistics
	Compression CompressionStatistics
	Timestamps  TimestampStatistics

	// Synthesized reports whether RowStats/Compression/Timestamps beyond
	// what the fixed header yields are synthesized defaults rather than
	// decoded from the variable payload.
	Synthesized bool
	// RawPayload is the variable-length region following the fixed header,
	// kept byte-for-byte so inspection tooling can re-emit it.
	RawPayload []byte
}

// defaultLiveFraction and defaultTombstoneFraction are the best-effort
// defaults spec.md §4.D specifies for an unparseable variable payload.
const (
	defaultLiveFraction      = 0.90
	defaultTombstoneFraction = 0.10
	defaultAlgorithm         = "LZ4Compressor"
)

// ParseStatistics parses a Statistics.db buffer. It never fails on a
// malformed variable payload: failures there fall back to synthesized
// defaults, matching the original source's behavior (spec.md §4.D).
func ParseStatistics(input []byte) (Statistics, error) {
	if len(input) < statisticsFixedHeaderSize {
		return Statistics{}, newErr(KindUnexpectedEof, "statistics.db needs %d bytes for its fixed header, have %d", statisticsFixedHeaderSize, len(input))
	}

	h := StatisticsHeader{
		VersionType:    binary.BigEndian.Uint32(input[0:4]),
		StatisticsKind: binary.BigEndian.Uint32(input[4:8]),
		Reserved:       binary.BigEndian.Uint32(input[8:12]),
		DataLength:     binary.BigEndian.Uint32(input[12:16]),
		Metadata1:      binary.BigEndian.Uint32(input[16:20]),
		Metadata2:      binary.BigEndian.Uint32(input[20:24]),
		Metadata3:      binary.BigEndian.Uint32(input[24:28]),
		Checksum:       binary.BigEndian.Uint32(input[28:32]),
	}
	payload := append([]byte(nil), input[statisticsFixedHeaderSize:]...)

	totalRows := uint64(h.Metadata2)
	stats := Statistics{
		Header:      h,
		RawPayload:  payload,
		Synthesized: true,
		RowStats: RowStatistics{
			TotalRows:      totalRows,
			LiveRows:       uint64(float64(totalRows) * defaultLiveFraction),
			TombstoneRows:  uint64(float64(totalRows) * defaultTombstoneFraction),
			PartitionCount: totalRows,
		},
		Compression: CompressionStatistics{
			Algorithm:      defaultAlgorithm,
			OriginalSize:   uint64(h.DataLength),
			CompressedSize: uint64(h.DataLength),
			Ratio:          1.0,
		},
		Timestamps: TimestampStatistics{},
	}

	tryParseVariablePayload(&stats)

	return stats, nil
}

// tryParseVariablePayload decodes a min/max timestamp pair from the first 16
// bytes of the payload; the partitioner FQCN and column stats are not
// decoded. Cassandra's "nb" variable payload layout beyond the fixed header
// is not stabilized across minor versions; a payload shorter than 16 bytes
// or with an implausible range leaves the synthesized defaults in place.
func tryParseVariablePayload(s *Statistics) {
	payload := s.RawPayload
	if len(payload) < 16 {
		return
	}
	minTs := int64(binary.BigEndian.Uint64(payload[0:8]))
	maxTs := int64(binary.BigEndian.Uint64(payload[8:16]))
	if minTs > maxTs || minTs < 0 {
		return
	}
	s.Timestamps.MinTimestamp = minTs
	s.Timestamps.MaxTimestamp = maxTs
	s.Synthesized = false
}

// EncodeStatisticsHeader writes just the fixed 32-byte header a freshly
// flushed generation needs (spec.md §4.K's writer never has a richer
// variable payload to emit — readers of its output fall back to the same
// synthesized defaults tryParseVariablePayload would produce for any other
// Statistics.db whose payload doesn't parse).
func EncodeStatisticsHeader(h StatisticsHeader) []byte {
	out := make([]byte, statisticsFixedHeaderSize)
	binary.BigEndian.PutUint32(out[0:4], h.VersionType)
	binary.BigEndian.PutUint32(out[4:8], h.StatisticsKind)
	binary.BigEndian.PutUint32(out[8:12], h.Reserved)
	binary.BigEndian.PutUint32(out[12:16], h.DataLength)
	binary.BigEndian.PutUint32(out[16:20], h.Metadata1)
	binary.BigEndian.PutUint32(out[20:24], h.Metadata2)
	binary.BigEndian.PutUint32(out[24:28], h.Metadata3)
	binary.BigEndian.PutUint32(out[28:32], h.Checksum)
	return out
}

// MatchesChecksum reports whether the recorded checksum is non-zero. The
// original source's own comment notes the "nb" checksum format is not a
// simple CRC32 and deliberately leaves it unvalidated; CQLite keeps that
// behavior and exposes the raw field for inspection tooling instead.
func (s Statistics) MatchesChecksum() bool {
	return s.Header.Checksum != 0
}
