package audio

import "math"

// G.711 companding tables, expanded once at package init. Telephony frames
// carry one compressed byte per sample at 8 kHz; each byte expands to a
// 14-bit linear value.
var (
	ulawTable = buildExpandTable(expandUlaw)
	alawTable = buildExpandTable(expandAlaw)
)

func buildExpandTable(expand func(byte) int16) [256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = expand(byte(i))
	}
	return t
}

// expandUlaw undoes u-law companding (ITU-T G.711): invert, split into
// sign/exponent/mantissa, and shift out the bias.
func expandUlaw(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3+0x84)<<exponent - 0x84
	return sign * sample
}

// expandAlaw undoes A-law companding. The even bits are inverted on the wire
// (XOR 0x55) and the first chord is linear rather than exponential.
func expandAlaw(b byte) int16 {
	b ^= 0x55
	sign := int16(1)
	if b&0x80 == 0 {
		sign = -1
	}
	b &= 0x7F
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	if exponent == 0 {
		return sign * (mantissa<<4 + 8)
	}
	return sign * ((mantissa<<4 + 0x108) << (exponent - 1))
}

func expandFrames(data []byte, table *[256]int16) []float32 {
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = float32(table[b]) / math.MaxInt16
	}
	return samples
}

func decodeG711Ulaw(data []byte) []float32 { return expandFrames(data, &ulawTable) }
func decodeG711Alaw(data []byte) []float32 { return expandFrames(data, &alawTable) }
