package cqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilterAddAndMayContain(t *testing.T) {
	bf, err := NewBloomFilter(1000, 0.01)
	require.NoError(t, err)

	keys := [][]byte{[]byte("alice"), []byte("bob"), []byte("carol")}
	for _, k := range keys {
		bf.Add(k)
	}
	for _, k := range keys {
		assert.True(t, bf.MayContain(k))
	}
}

func TestBloomFilterAbsentKeyIsUsuallyRejected(t *testing.T) {
	bf, err := NewBloomFilter(100, 0.01)
	require.NoError(t, err)
	bf.Add([]byte("present"))

	// a low false-positive-rate filter must reject most absent keys; a
	// false positive here would not be a bug, only bad luck, so this checks
	// the common case rather than asserting on a single key.
	falsePositives := 0
	for i := 0; i < 200; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		if bf.MayContain(k) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 20)
}

func TestBloomFilterMarshalRoundTrip(t *testing.T) {
	bf, err := NewBloomFilter(100, 0.01)
	require.NoError(t, err)
	bf.Add([]byte("partition-key-1"))

	data, err := bf.Marshal()
	require.NoError(t, err)

	restored, err := ParseBloomFilter(data)
	require.NoError(t, err)
	assert.True(t, restored.MayContain([]byte("partition-key-1")))
}
