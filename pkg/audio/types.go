package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is a fixed-length block of float samples delivered by a [Capture].
// Samples are in [-1, 1] at SampleRate. Frames are ephemeral: consumers must
// not retain the Samples slice after processing the frame.
type Frame struct {
	// Samples holds mono float32 PCM.
	Samples []float32

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// EncodedChunk is one frame's worth of 16-bit little-endian PCM ready for
// transmission, tagged with its MIME type (e.g. "audio/pcm;rate=16000").
type EncodedChunk struct {
	Data     []byte
	MIMEType string
}

// PCMMimeType returns the MIME tag for raw 16-bit PCM at the given rate.
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// PlaybackBuffer holds decoded mono samples at the output rate.
// It is owned by the playback scheduler from decode until the output reports
// the buffer as played.
type PlaybackBuffer struct {
	Samples    []float32
	SampleRate int
	Duration   time.Duration
}

// durationOf returns the playback length of n samples at rate.
func durationOf(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
