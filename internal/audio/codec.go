// Package audio holds the codec and sample-rate plumbing shared by the
// backend adapters: visitor audio arrives as PCM16 or G.711 telephony frames
// and must be normalized to the rate each speech backend expects.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// decoder holds a codec's decode function and its fixed output sample rate.
// A rate of 0 means "use the caller-supplied sampleRate" (PCM passthrough).
type decoder struct {
	fn   func([]byte) []float32
	rate int
}

var decoders = map[Codec]decoder{
	CodecPCM:      {fn: DecodePCM16, rate: 0},
	CodecG711Ulaw: {fn: decodeG711Ulaw, rate: 8000},
	CodecG711Alaw: {fn: decodeG711Alaw, rate: 8000},
}

// Decode converts encoded audio bytes to float32 PCM samples normalized to
// [-1, 1]. Returns samples and the sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}

// DecodePCM16 converts little-endian 16-bit PCM bytes to normalized samples.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// EncodePCM16 converts normalized samples back to little-endian 16-bit PCM,
// the format the streaming backend accepts on its audio-append events.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return out
}
