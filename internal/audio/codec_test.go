package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 0.999, -0.999}
	got := DecodePCM16(EncodePCM16(in))
	require.Len(t, got, len(in))
	for i := range in {
		assert.InDelta(t, in[i], got[i], 0.001, "sample %d", i)
	}
}

func TestEncodePCM16ClampsOutOfRange(t *testing.T) {
	out := EncodePCM16([]float32{2.0, -2.0})
	hi := int16(binary.LittleEndian.Uint16(out[0:2]))
	lo := int16(binary.LittleEndian.Uint16(out[2:4]))
	assert.Equal(t, int16(math.MaxInt16), hi)
	assert.Equal(t, int16(-math.MaxInt16), lo)
}

func TestDecodePCMPassesThroughRate(t *testing.T) {
	samples, rate, err := Decode(EncodePCM16([]float32{0.25}), CodecPCM, 24000)
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	require.Len(t, samples, 1)
	assert.InDelta(t, 0.25, samples[0], 0.001)
}

func TestDecodeG711ReportsTelephonyRate(t *testing.T) {
	for _, codec := range []Codec{CodecG711Ulaw, CodecG711Alaw} {
		samples, rate, err := Decode([]byte{0x00, 0x7F, 0xFF}, codec, 24000)
		require.NoError(t, err, codec)
		assert.Equal(t, 8000, rate, codec)
		assert.Len(t, samples, 3, codec)
		for _, s := range samples {
			assert.LessOrEqual(t, float64(s), 1.0, codec)
			assert.GreaterOrEqual(t, float64(s), -1.0, codec)
		}
	}
}

func TestDecodeUlawSilence(t *testing.T) {
	// 0xFF is u-law digital silence.
	samples := decodeG711Ulaw([]byte{0xFF})
	assert.InDelta(t, 0, samples[0], 0.001)
}

func TestDecodeUnsupportedCodec(t *testing.T) {
	_, _, err := Decode([]byte{0x00}, Codec("opus"), 24000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported codec")
}
