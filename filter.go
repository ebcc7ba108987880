package cqlite

import (
	"bytes"
	"hash/fnv"
	"io"

	bloomfilter "github.com/holiman/bloomfilter/v2"
)

// BloomFilter wraps a Filter.db bloom filter (spec.md §4.G): a fast
// probably-in-set test consulted before a BTI lookup so a point read for an
// absent partition can skip the trie descent entirely. holiman/bloomfilter
// works over pre-hashed uint64s (Kirsch-Mitzenmacher double hashing derives
// all k probe positions from one hash), so Add/MayContain hash the raw key
// once with fnv64a before delegating.
type BloomFilter struct {
	inner *bloomfilter.Filter
}

// NewBloomFilter sizes a filter for expectedItems elements at the given
// false-positive probability, mirroring how Cassandra sizes Filter.db from
// the partition count and the bloom_filter_fp_chance table option.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) (*BloomFilter, error) {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 {
		falsePositiveRate = 0.01
	}
	f, err := bloomfilter.NewOptimal(uint64(expectedItems), falsePositiveRate)
	if err != nil {
		return nil, newErr(KindInvariantViolated, "allocate bloom filter: %v", err)
	}
	return &BloomFilter{inner: f}, nil
}

func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// Add records key as present.
func (bf *BloomFilter) Add(key []byte) {
	bf.inner.AddHash(hashKey(key))
}

// MayContain reports whether key could be present. false is authoritative
// (the key is definitely absent); true only means "check the trie".
func (bf *BloomFilter) MayContain(key []byte) bool {
	return bf.inner.ContainsHash(hashKey(key))
}

// Marshal serializes the filter to Filter.db's on-disk bytes.
func (bf *BloomFilter) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := bf.inner.WriteTo(&buf); err != nil {
		return nil, newErr(KindInvariantViolated, "marshal bloom filter: %v", err)
	}
	return buf.Bytes(), nil
}

// ParseBloomFilter reads a Filter.db's bytes back into a BloomFilter.
func ParseBloomFilter(data []byte) (*BloomFilter, error) {
	f := &bloomfilter.Filter{}
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		if err == io.EOF {
			return nil, newErr(KindUnexpectedEof, "parse bloom filter: %v", err)
		}
		return nil, newErr(KindCorruptedBlock, "parse bloom filter: %v", err)
	}
	return &BloomFilter{inner: f}, nil
}
