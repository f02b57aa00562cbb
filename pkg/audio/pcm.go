package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrDecode is returned (wrapped) by [Decode] when the input cannot be
// interpreted as 16-bit PCM.
var ErrDecode = errors.New("audio: decode failed")

// Encode converts float samples to 16-bit little-endian PCM.
// Each sample is clamped to [-1, 1] and scaled by 32767 with rounding, so N
// samples always produce exactly 2N bytes.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// Decode interprets data as 16-bit little-endian mono PCM at sourceRate and
// returns a [PlaybackBuffer] at targetRate. Samples are resampled only when
// the rates differ and are widened as int16/32768.
//
// Empty or odd-length input fails with an error wrapping [ErrDecode].
func Decode(data []byte, sourceRate, targetRate int) (PlaybackBuffer, error) {
	if len(data) == 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(data)%2 != 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: odd byte count %d", ErrDecode, len(data))
	}
	if sourceRate <= 0 || targetRate <= 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: invalid sample rate %d -> %d", ErrDecode, sourceRate, targetRate)
	}

	pcm := data
	if sourceRate != targetRate {
		pcm = ResampleMono16(pcm, sourceRate, targetRate)
		if len(pcm) == 0 {
			return PlaybackBuffer{}, fmt.Errorf("%w: payload too short to resample %s -> %s",
				ErrDecode, formatString(sourceRate, 1), formatString(targetRate, 1))
		}
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return PlaybackBuffer{
		Samples:    samples,
		SampleRate: targetRate,
		Duration:   durationOf(len(samples), targetRate),
	}, nil
}

// quantize maps a float sample to int16 using round(clamp(s)*32767).
func quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(math.Round(v * 32767))
}
