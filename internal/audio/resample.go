package audio

import "math"

// firTaps is the length of the anti-aliasing kernel. 31 taps keeps the
// per-chunk filtering cost low while attenuating well above the speech band.
const firTaps = 31

// Resample converts samples between rates by linear interpolation, with a
// windowed-sinc low-pass pass placed on whichever side of the interpolation
// runs at the higher rate: before it when downsampling (anti-aliasing),
// after it when upsampling (anti-imaging). Matching rates pass through.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return samples
	}

	cutoff := float64(min(srcRate, dstRate)) / 2.0
	if srcRate > dstRate {
		samples = convolve(samples, blackmanSinc(cutoff, float64(srcRate)))
	}

	ratio := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/ratio))
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}

	if dstRate > srcRate {
		out = convolve(out, blackmanSinc(cutoff, float64(dstRate)))
	}
	return out
}

// convolve applies the FIR kernel, clipping the window at the signal edges
// so short chunks do not pick up zero-padding artifacts.
func convolve(samples []float32, kernel []float32) []float32 {
	half := len(kernel) / 2
	out := make([]float32, len(samples))
	for i := range samples {
		lo := max(0, half-i)
		hi := min(len(kernel), len(samples)-i+half)
		var acc float32
		for j := lo; j < hi; j++ {
			acc += samples[i+j-half] * kernel[j]
		}
		out[i] = acc
	}
	return out
}

// blackmanSinc builds a Blackman-windowed sinc kernel with the given cutoff,
// normalized to unity gain at DC.
func blackmanSinc(cutoff, sampleRate float64) []float32 {
	fc := cutoff / sampleRate
	half := firTaps / 2
	kernel := make([]float32, firTaps)

	var sum float64
	for i := range kernel {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		w := 0.42 - 0.5*math.Cos(2.0*math.Pi*float64(i)/float64(firTaps-1)) +
			0.08*math.Cos(4.0*math.Pi*float64(i)/float64(firTaps-1))
		val := sinc * w
		kernel[i] = float32(val)
		sum += val
	}

	scale := float32(1.0 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}
	return kernel
}
