package audio_test

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/elevated/pkg/audio"
)

func TestEncode_Length(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 7, 4096} {
		if got := len(audio.Encode(make([]float32, n))); got != 2*n {
			t.Errorf("Encode(%d samples) returned %d bytes, want %d", n, got, 2*n)
		}
	}
}

func TestEncode_FullScale(t *testing.T) {
	t.Parallel()
	got := audio.Encode([]float32{1, -1})
	want := []byte{0xFF, 0x7F, 0x01, 0x80}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode([1,-1]) = % X, want % X", got, want)
	}
}

func TestEncode_Clamps(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.Encode([]float32{2.5, -7, float32(math.NaN()), 0}))
	want := []int16{32767, -32767, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncode_Rounds(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.Encode([]float32{float32(0.6 / 32767), float32(0.4 / 32767)}))
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("got %v, want [1 0]", got)
	}
}

func TestRoundTrip_WithinQuantization(t *testing.T) {
	t.Parallel()
	in := make([]float32, 2001)
	for i := range in {
		in[i] = float32(i-1000) / 1000
	}
	buf, err := audio.Decode(audio.Encode(in), 16000, 16000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(buf.Samples) != len(in) {
		t.Fatalf("got %d samples, want %d", len(buf.Samples), len(in))
	}
	// Encoding scales by 32767 and decoding by 32768, so the error is at most
	// half a step of rounding plus the scale mismatch.
	const tol = 1.5 / 32768
	for i := range in {
		if d := math.Abs(float64(buf.Samples[i] - in[i])); d > tol {
			t.Fatalf("sample %d: |%v - %v| = %v exceeds %v", i, buf.Samples[i], in[i], d, tol)
		}
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		src  int
		dst  int
	}{
		{"empty", nil, 24000, 24000},
		{"odd length", []byte{0x01, 0x02, 0x03}, 24000, 24000},
		{"zero rate", []byte{0x01, 0x02}, 0, 24000},
		{"too short to resample", []byte{0x01, 0x02}, 48000, 16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.Decode(tt.data, tt.src, tt.dst)
			if !errors.Is(err, audio.ErrDecode) {
				t.Errorf("Decode error = %v, want ErrDecode", err)
			}
		})
	}
}

func TestDecode_SameRate(t *testing.T) {
	t.Parallel()
	buf, err := audio.Decode(samplesToBytes([]int16{16384, -32768, 0}), 24000, 24000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []float32{0.5, -1, 0}
	for i := range want {
		if buf.Samples[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, buf.Samples[i], want[i])
		}
	}
	if buf.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", buf.SampleRate)
	}
	if buf.Duration != 125*time.Microsecond {
		t.Errorf("Duration = %v, want 125µs", buf.Duration)
	}
}

func TestDecode_Resamples(t *testing.T) {
	t.Parallel()
	// 2400 samples at 24 kHz is 100ms; at 48 kHz it must still be 100ms.
	buf, err := audio.Decode(make([]byte, 4800), 24000, 48000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(buf.Samples) != 4800 {
		t.Errorf("got %d samples, want 4800", len(buf.Samples))
	}
	if buf.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", buf.Duration)
	}
}

func TestPCMMimeType(t *testing.T) {
	if got := audio.PCMMimeType(16000); got != "audio/pcm;rate=16000" {
		t.Errorf("PCMMimeType(16000) = %q", got)
	}
}
