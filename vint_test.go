package cqlite

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVIntRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 63, -63, 64, -64, 127, -127, 128, -128,
		math.MinInt32, math.MaxInt32, math.MinInt64, math.MaxInt64,
	}
	for _, v := range values {
		enc := EncodeVInt(v)
		require.LessOrEqual(t, len(enc), MaxVIntSize)
		got, n, err := DecodeVInt(enc)
		require.NoError(t, err)
		assert.Equal(t, len(enc), n)
		assert.Equal(t, v, got, "value %d", v)
	}
}

func TestVIntRoundTripRandomSample(t *testing.T) {
	seed := uint64(0x9E3779B97F4A7C15)
	for i := 0; i < 10000; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := int64(seed)
		enc := EncodeVInt(v)
		got, n, err := DecodeVInt(enc)
		require.NoError(t, err)
		assert.Equal(t, len(enc), n)
		assert.Equal(t, v, got)
	}
}

func TestVIntMinimumLength(t *testing.T) {
	cases := map[int64]int{
		0:   1,
		1:   1,
		-1:  1,
		63:  1,
		64:  2,
		-64: 1,
		-65: 2,
	}
	for v, wantLen := range cases {
		enc := EncodeVInt(v)
		assert.Equal(t, wantLen, len(enc), "value %d", v)
	}
}

// S1 from spec.md §8.
func TestVIntScenarioS1(t *testing.T) {
	v, n, err := DecodeVInt([]byte{0x00})
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte{0x00}, EncodeVInt(0))
}

// S2 from spec.md §8.
func TestVIntScenarioS2(t *testing.T) {
	v, n, err := DecodeVInt([]byte{0x80, 0x00})
	require.NoError(t, err)
	assert.Equal(t, int64(64), v)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0x80, 0x00}, EncodeVInt(64))
}

// S3 from spec.md §8.
func TestVIntScenarioS3(t *testing.T) {
	nine := []byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	v, n, err := DecodeVInt(nine)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	assert.Equal(t, 9, n)

	_, _, err = DecodeVInt(nine[:8])
	require.Error(t, err)
	assert.True(t, Is(err, KindUnexpectedEof))
}

func TestVIntEmptyInput(t *testing.T) {
	_, _, err := DecodeVInt(nil)
	require.Error(t, err)
	assert.True(t, Is(err, KindUnexpectedEof))
}

func TestVIntTruncatedForEveryLength(t *testing.T) {
	for length := 2; length <= 9; length++ {
		extra := length - 1
		first := byte(0xFF << uint(8-extra))
		full := append([]byte{first}, make([]byte, extra)...)
		_, _, err := DecodeVInt(full[:length-1])
		require.Error(t, err, "length %d", length)
		assert.True(t, Is(err, KindUnexpectedEof))
	}
}

func TestVIntOversize(t *testing.T) {
	// 0xFF followed by another leading-ones byte would require a 10th byte;
	// but a single 0xFF first byte already maxes out at 9 bytes (k=8), which
	// is valid. An input whose first byte cannot be represented at all does
	// not exist in an 8-bit byte, so we instead assert the boundary: 0xFF is
	// exactly MaxVIntSize, never oversize.
	_, n, err := DecodeVInt([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0, 0xAA})
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}
