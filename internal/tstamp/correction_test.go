package tstamp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Таблица весов должна совпадать с прямым 64-битным вычислением.
func TestCorrectionWeights(t *testing.T) {
	for k := 0; k < 16; k++ {
		want := FromNanoseconds(uint64(1) << (32 + k))
		assert.Equal(t, want, correctionWeights[k], "k=%d", k)
	}
}

func TestDecodeCorrection(t *testing.T) {
	tests := []struct {
		hi uint16
		lo uint32
	}{
		{0, 0},
		{0, 1500},
		{1, 0},
		{0x00FF, 0xFFFFFFFF},
		{0xABCD, 0x12345678},
		{0xFFFF, 0xFFFFFFFE},
	}
	var dec CorrectionDecoder
	for _, tt := range tests {
		want := FromNanoseconds(uint64(tt.hi)<<32 | uint64(tt.lo))

		got, err := DecodeCorrection(tt.hi, tt.lo)
		require.NoError(t, err)
		assert.Equal(t, want, got, "hi=%#x lo=%#x", tt.hi, tt.lo)

		cached, err := dec.Decode(tt.hi, tt.lo)
		require.NoError(t, err)
		assert.Equal(t, want, cached)
	}
}

func TestDecodeCorrectionSentinel(t *testing.T) {
	_, err := DecodeCorrection(0xFFFF, 0xFFFFFFFF)
	assert.ErrorIs(t, err, ErrInvalidCorrection)

	var dec CorrectionDecoder
	_, err = dec.Decode(0xFFFF, 0xFFFFFFFF)
	assert.ErrorIs(t, err, ErrInvalidCorrection)
}

func TestSplitCorrection(t *testing.T) {
	raw := EncodeCorrection(0x0001_0000_2710) // 2^32 + 10000 нс
	hi, lo := SplitCorrection(raw)
	assert.Equal(t, uint16(1), hi)
	assert.Equal(t, uint32(10000), lo)

	// дробные наносекунды отбрасываются
	hi, lo = SplitCorrection(raw | 0x7FFF)
	assert.Equal(t, uint16(1), hi)
	assert.Equal(t, uint32(10000), lo)
}

func TestEncodeCorrectionSaturates(t *testing.T) {
	for _, ns := range []uint64{1<<48 - 1, 1 << 48, 1<<64 - 1} {
		hi, lo := SplitCorrection(EncodeCorrection(ns))
		assert.Equal(t, uint16(0xFFFF), hi, "ns=%#x", ns)
		assert.Equal(t, uint32(0xFFFFFFFE), lo, "ns=%#x", ns)
		_, err := DecodeCorrection(hi, lo)
		assert.NoError(t, err, "насыщенное значение остаётся действительным")
	}
	hi, lo := SplitCorrection(EncodeCorrection(1<<48 - 2))
	assert.Equal(t, uint16(0xFFFF), hi)
	assert.Equal(t, uint32(0xFFFFFFFE), lo)
}
