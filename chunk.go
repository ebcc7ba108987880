package cqlite

import (
	"io"
	"sync/atomic"

	"github.com/golang/snappy"
	lz4 "github.com/pierrec/lz4/v4"
	"github.com/klauspost/compress/flate"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// ChunkSource is the minimal random-access reader a ChunkDecompressor needs
// over a Data.db file: read exactly len(p) bytes starting at off.
type ChunkSource interface {
	io.ReaderAt
}

// ChunkDecompressor implements the public contract of spec.md §4.E:
// read(logical_offset, length) returns exactly length bytes drawn from the
// logical (uncompressed) Data.db, decompressing and caching whole chunks as
// needed.
type ChunkDecompressor struct {
	info   CompressionInfo
	source ChunkSource
	// fileSize is needed to compute the last chunk's compressed size, since
	// CompressionInfo only gives offsets, not per-chunk lengths.
	fileSize int64

	cache *simplelru.LRU[int, []byte]

	hits   atomic.Int64
	misses atomic.Int64
}

// defaultMaxCachedChunks mirrors the original source's fixed cache size
// (16 chunks); CQLite's byte-budgeted block and row caches in cache.go
// are a separate, coarser-grained concern over decoded rows and partitions.
const defaultMaxCachedChunks = 16

// NewChunkDecompressor builds a decompressor over source, whose total size
// in bytes is fileSize (needed to size the final chunk).
func NewChunkDecompressor(info CompressionInfo, source ChunkSource, fileSize int64) (*ChunkDecompressor, error) {
	cache, err := simplelru.NewLRU[int, []byte](defaultMaxCachedChunks, nil)
	if err != nil {
		return nil, newErr(KindInvariantViolated, "failed to construct chunk cache: %v", err)
	}
	return &ChunkDecompressor{info: info, source: source, fileSize: fileSize, cache: cache}, nil
}

// Read returns exactly length bytes of the logical Data.db starting at
// logicalOffset, stitching together as many chunks as necessary.
func (c *ChunkDecompressor) Read(logicalOffset uint64, length int) ([]byte, error) {
	result := make([]byte, 0, length)
	remaining := length
	offset := logicalOffset

	for remaining > 0 {
		chunkIndex, offsetInChunk := c.info.ChunkIndexForOffset(offset)
		chunkData, err := c.decompressedChunk(chunkIndex)
		if err != nil {
			return nil, err
		}

		start := int(offsetInChunk)
		if start >= len(chunkData) {
			return nil, newErr(KindCorruptedBlock, "offset %d beyond chunk %d size %d", start, chunkIndex, len(chunkData))
		}
		end := start + remaining
		if end > len(chunkData) {
			end = len(chunkData)
		}
		slice := chunkData[start:end]
		result = append(result, slice...)
		remaining -= len(slice)
		offset += uint64(len(slice))
	}

	return result, nil
}

func (c *ChunkDecompressor) decompressedChunk(chunkIndex int) ([]byte, error) {
	if cached, ok := c.cache.Get(chunkIndex); ok {
		c.hits.Add(1)
		return cached, nil
	}
	c.misses.Add(1)
	data, err := c.decompressChunk(chunkIndex)
	if err != nil {
		return nil, err
	}
	c.cache.Add(chunkIndex, data)
	return data, nil
}

// CacheHits and CacheMisses report the chunk cache's atomic hit/miss
// counters (spec.md §5). Engine.Stats does not include them.
func (c *ChunkDecompressor) CacheHits() int64   { return c.hits.Load() }
func (c *ChunkDecompressor) CacheMisses() int64 { return c.misses.Load() }
func (c *ChunkDecompressor) CacheLen() int      { return c.cache.Len() }

func (c *ChunkDecompressor) decompressChunk(chunkIndex int) ([]byte, error) {
	if chunkIndex < 0 || chunkIndex >= len(c.info.ChunkOffsets) {
		return nil, newErr(KindInvalidLength, "no offset for chunk %d", chunkIndex)
	}

	compressedOffset := c.info.ChunkOffsets[chunkIndex]
	var compressedEnd int64
	if chunkIndex+1 < len(c.info.ChunkOffsets) {
		compressedEnd = int64(c.info.ChunkOffsets[chunkIndex+1])
	} else {
		compressedEnd = c.fileSize
	}
	compressedSize := compressedEnd - int64(compressedOffset)
	if compressedSize <= 0 {
		return nil, newErr(KindInvalidLength, "chunk %d has non-positive compressed size %d", chunkIndex, compressedSize)
	}

	compressed := make([]byte, compressedSize)
	if _, err := c.source.ReadAt(compressed, int64(compressedOffset)); err != nil {
		return nil, wrapIo(err, "", int64(compressedOffset), "reading compressed chunk %d", chunkIndex)
	}

	switch c.info.Algorithm {
	case AlgorithmLZ4:
		return decompressLz4Chunk(compressed, int(c.info.ChunkLength), chunkIndex == len(c.info.ChunkOffsets)-1)
	case AlgorithmSnappy:
		return decompressSnappyChunk(compressed)
	case AlgorithmDeflate:
		return decompressDeflateChunk(compressed)
	default:
		return nil, newErr(KindUnknownAlgorithm, "unknown compression algorithm %q", c.info.Algorithm)
	}
}

// decompressLz4Chunk tries the fallback ladder spec.md's Design Note #2
// describes, in order: size-prepended block, fixed chunk-length block,
// big-endian-size-prefixed, little-endian-size-prefixed, a handful of common
// chunk sizes, then the uncompressed escape hatch (gated on the chunk
// looking like it was stored raw: its size equals chunk_length, or it is the
// final chunk and no longer than chunk_length).
func decompressLz4Chunk(compressed []byte, chunkLength int, isLastChunk bool) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, newErr(KindDecompressionFailed, "empty compressed chunk")
	}

	if out, err := lz4DecompressSizePrepended(compressed); err == nil {
		return out, nil
	}

	if out, err := lz4DecompressFixedSize(compressed, chunkLength); err == nil {
		return out, nil
	}

	if len(compressed) >= 8 {
		sizeBE := int(uint32(compressed[0])<<24 | uint32(compressed[1])<<16 | uint32(compressed[2])<<8 | uint32(compressed[3]))
		if sizeBE > 0 && sizeBE <= 10*1024*1024 {
			if out, err := lz4DecompressFixedSize(compressed[4:], sizeBE); err == nil {
				return out, nil
			}
		}

		sizeLE := int(uint32(compressed[0]) | uint32(compressed[1])<<8 | uint32(compressed[2])<<16 | uint32(compressed[3])<<24)
		if sizeLE > 0 && sizeLE <= 10*1024*1024 {
			if out, err := lz4DecompressFixedSize(compressed[4:], sizeLE); err == nil {
				return out, nil
			}
		}
	}

	for _, size := range []int{4096, 8192, 16384, 32768, 65536} {
		if out, err := lz4DecompressFixedSize(compressed, size); err == nil {
			return out, nil
		}
	}

	// Uncompressed escape hatch (Open Question decision #2): only trust raw
	// bytes when the compressed size equals the declared chunk length (or,
	// for the final chunk, does not exceed it), ruling out a corrupt-but-short
	// chunk masquerading as raw data.
	if len(compressed) == chunkLength || (isLastChunk && len(compressed) < chunkLength) {
		return append([]byte(nil), compressed...), nil
	}

	return nil, newErr(KindDecompressionFailed, "lz4 decompression failed for %d-byte chunk after exhausting fallback strategies", len(compressed))
}

func lz4DecompressSizePrepended(compressed []byte) ([]byte, error) {
	if len(compressed) < 4 {
		return nil, newErr(KindDecompressionFailed, "too short for a size-prepended block")
	}
	size := int(uint32(compressed[0]) | uint32(compressed[1])<<8 | uint32(compressed[2])<<16 | uint32(compressed[3])<<24)
	return lz4DecompressFixedSize(compressed[4:], size)
}

func lz4DecompressFixedSize(compressed []byte, size int) ([]byte, error) {
	if size <= 0 || size > 64*1024*1024 {
		return nil, newErr(KindDecompressionFailed, "implausible lz4 target size %d", size)
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, newErr(KindDecompressionFailed, "lz4 block decode: %v", err)
	}
	return dst[:n], nil
}

func decompressSnappyChunk(compressed []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, newErr(KindDecompressionFailed, "snappy decode: %v", err)
	}
	return out, nil
}

func decompressDeflateChunk(compressed []byte) ([]byte, error) {
	r := flate.NewReader(newByteSliceReader(compressed))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, newErr(KindDecompressionFailed, "deflate decode: %v", err)
	}
	return out, nil
}

type byteSliceReader struct {
	data []byte
	pos  int
}

func newByteSliceReader(data []byte) *byteSliceReader { return &byteSliceReader{data: data} }

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
