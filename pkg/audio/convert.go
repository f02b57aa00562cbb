package audio

import (
	"encoding/binary"
	"fmt"
)

// resampledLen is the number of output samples covering the same time span as
// n input samples.
func resampledLen(n, srcRate, dstRate int) int {
	return int(int64(n) * int64(dstRate) / int64(srcRate))
}

// lerp fills dst by linear interpolation over src, holding the last source
// sample at the tail.
func lerp(dst []float64, src func(i int) float64, srcLen int, step float64) {
	for i := range dst {
		pos := float64(i) * step
		idx := int(pos)
		a := src(idx)
		b := a
		if idx+1 < srcLen {
			b = src(idx + 1)
		}
		frac := pos - float64(idx)
		dst[i] = a + (b-a)*frac
	}
}

// Resample converts mono float samples from srcRate to dstRate by linear
// interpolation. Equal or invalid rates return samples unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := resampledLen(len(samples), srcRate, dstRate)
	if n == 0 {
		return nil
	}
	tmp := make([]float64, n)
	lerp(tmp, func(i int) float64 { return float64(samples[i]) }, len(samples), float64(srcRate)/float64(dstRate))

	out := make([]float32, n)
	for i, v := range tmp {
		out[i] = float32(v)
	}
	return out
}

// ResampleMono16 is [Resample] for 16-bit little-endian mono PCM. Interpolated
// values are truncated toward zero.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcLen := len(pcm) / 2
	n := resampledLen(srcLen, srcRate, dstRate)
	if n == 0 {
		return nil
	}
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	tmp := make([]float64, n)
	lerp(tmp, sample, srcLen, float64(srcRate)/float64(dstRate))

	out := make([]byte, n*2)
	for i, v := range tmp {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func channelName(channels int) string {
	switch {
	case channels <= 1:
		return "mono"
	case channels == 2:
		return "stereo"
	default:
		return fmt.Sprintf("%dch", channels)
	}
}

// formatString renders a rate and channel count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	return fmt.Sprintf("%dHz %s", rate, channelName(channels))
}
