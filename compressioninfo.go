package cqlite

import "encoding/binary"

// CompressionAlgorithm identifies the per-chunk compressor a CompressionInfo.db
// declares for its Data.db.
type CompressionAlgorithm string

const (
	AlgorithmLZ4     CompressionAlgorithm = "LZ4Compressor"
	AlgorithmSnappy  CompressionAlgorithm = "SnappyCompressor"
	AlgorithmDeflate CompressionAlgorithm = "DeflateCompressor"
)

const (
	minChunkLength = 4 * 1024
	maxChunkLength = 1024 * 1024
)

// CompressionInfo is the parsed CompressionInfo.db: algorithm name, its
// options, and the chunk offset table needed to map a logical Data.db
// offset onto a compressed on-disk chunk (spec.md §4.D/§4.E).
type CompressionInfo struct {
	Algorithm    CompressionAlgorithm
	Options      map[string]string
	ChunkLength  uint32
	DataLength   uint64
	ChunkOffsets []uint64
}

// ParseCompressionInfo decodes a CompressionInfo.db buffer in full,
// validating the structural invariants spec.md §4.D lists: chunk_length is
// a power of two in [4KiB, 1MiB]; offsets are strictly increasing;
// count*chunk_length covers data_length.
func ParseCompressionInfo(input []byte) (CompressionInfo, error) {
	algo, n, err := readLengthPrefixedBytesVInt(input)
	if err != nil {
		return CompressionInfo{}, err
	}
	pos := n

	optCount, n, err := DecodeVIntLength(input[pos:])
	if err != nil {
		return CompressionInfo{}, err
	}
	pos += n

	options := make(map[string]string, optCount)
	for i := 0; i < optCount; i++ {
		key, n, err := readLengthPrefixedBytesVInt(input[pos:])
		if err != nil {
			return CompressionInfo{}, err
		}
		pos += n
		val, n, err := readLengthPrefixedBytesVInt(input[pos:])
		if err != nil {
			return CompressionInfo{}, err
		}
		pos += n
		options[string(key)] = string(val)
	}

	if len(input)-pos < 4+8+4 {
		return CompressionInfo{}, newErr(KindUnexpectedEof, "compressioninfo.db truncated before chunk table header")
	}
	chunkLength := binary.BigEndian.Uint32(input[pos:])
	pos += 4
	dataLength := binary.BigEndian.Uint64(input[pos:])
	pos += 8
	chunkCount := binary.BigEndian.Uint32(input[pos:])
	pos += 4

	if chunkLength < minChunkLength || chunkLength > maxChunkLength || chunkLength&(chunkLength-1) != 0 {
		return CompressionInfo{}, newErr(KindInvalidLength, "chunk_length %d is not a power of two in [%d, %d]", chunkLength, minChunkLength, maxChunkLength)
	}

	needed := int(chunkCount) * 8
	if len(input)-pos < needed {
		return CompressionInfo{}, newErr(KindUnexpectedEof, "need %d bytes for %d chunk offsets, have %d", needed, chunkCount, len(input)-pos)
	}
	offsets := make([]uint64, chunkCount)
	for i := 0; i < int(chunkCount); i++ {
		offsets[i] = binary.BigEndian.Uint64(input[pos:])
		pos += 8
		if i > 0 && offsets[i] <= offsets[i-1] {
			return CompressionInfo{}, newErr(KindCorruptedBlock, "chunk offsets not strictly increasing at index %d", i)
		}
	}

	if uint64(chunkCount)*uint64(chunkLength) < dataLength {
		return CompressionInfo{}, newErr(KindInvalidLength, "chunk_count*chunk_length (%d) < data_length (%d)", uint64(chunkCount)*uint64(chunkLength), dataLength)
	}

	return CompressionInfo{
		Algorithm:    CompressionAlgorithm(algo),
		Options:      options,
		ChunkLength:  chunkLength,
		DataLength:   dataLength,
		ChunkOffsets: offsets,
	}, nil
}

// ChunkIndexForOffset returns which chunk holds logical Data.db byte offset,
// and the byte offset within that (decompressed) chunk.
func (c CompressionInfo) ChunkIndexForOffset(logicalOffset uint64) (chunkIndex int, offsetInChunk uint32) {
	idx := logicalOffset / uint64(c.ChunkLength)
	return int(idx), uint32(logicalOffset % uint64(c.ChunkLength))
}

func readLengthPrefixedBytesVInt(input []byte) ([]byte, int, error) {
	length, n, err := DecodeVIntLength(input)
	if err != nil {
		return nil, 0, err
	}
	if len(input)-n < length {
		return nil, 0, newErr(KindUnexpectedEof, "declares %d bytes, only %d available", length, len(input)-n)
	}
	return input[n : n+length], n + length, nil
}
