package cqlite

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestHeader(version string, partitioner string, minTs, maxTs int64, props map[string]string) []byte {
	var buf []byte
	buf = append(buf, []byte(version)...)
	buf = append(buf, EncodeVUInt(uint64(len(partitioner)))...)
	buf = append(buf, []byte(partitioner)...)
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[0:8], uint64(minTs))
	binary.BigEndian.PutUint64(ts[8:16], uint64(maxTs))
	buf = append(buf, ts[:]...)
	buf = append(buf, EncodeVUInt(uint64(len(props)))...)
	for k, v := range props {
		buf = append(buf, EncodeVUInt(uint64(len(k)))...)
		buf = append(buf, []byte(k)...)
		buf = append(buf, EncodeVUInt(uint64(len(v)))...)
		buf = append(buf, []byte(v)...)
	}
	return buf
}

func TestParseSSTableHeaderRoundTrip(t *testing.T) {
	raw := buildTestHeader("oa", "org.apache.cassandra.dht.Murmur3Partitioner", 100, 200, map[string]string{"foo": "bar"})
	h, n, err := ParseSSTableHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, "oa", h.Version)
	assert.Equal(t, "org.apache.cassandra.dht.Murmur3Partitioner", h.PartitionerClass)
	assert.EqualValues(t, 100, h.MinTimestamp)
	assert.EqualValues(t, 200, h.MaxTimestamp)
	assert.Equal(t, "bar", h.Properties["foo"])
}

func TestParseSSTableHeaderAcceptsUnknownProperties(t *testing.T) {
	raw := buildTestHeader("nb", "SomePartitioner", 0, 0, map[string]string{"unknown_future_field": "1"})
	h, _, err := ParseSSTableHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, "1", h.Properties["unknown_future_field"])
}

func TestParseSSTableHeaderRejectsUnknownVersion(t *testing.T) {
	raw := append([]byte("zz"), buildTestHeader("oa", "p", 0, 0, nil)[2:]...)
	_, _, err := ParseSSTableHeader(raw)
	require.Error(t, err)
	assert.True(t, Is(err, KindUnsupportedVersion))
}
