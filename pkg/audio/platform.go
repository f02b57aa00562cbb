// Package audio defines the sample types, the PCM codec, and the device
// abstractions used by the Elevated voice pipeline.
//
// The two device abstractions are:
//
//   - [Source] opens the microphone and returns a [Capture] delivering
//     fixed-size [Frame] blocks.
//   - [Sink] opens the speaker and returns an [Output] with a single
//     playback timeline onto which decoded buffers are scheduled.
//
// Implementations live in audio/device (hardware, via malgo and oto) and
// audio/mock (deterministic fakes for tests). The interfaces are intentionally
// narrow so the voice session never depends on a concrete audio backend.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is wrapped by [Source] and [Sink] implementations when
// the device cannot be acquired (permission denied, no hardware, busy).
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Capture is an open microphone stream.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Frames returns the channel of captured blocks. The sequence is lazy and
	// unbounded; it cannot be restarted. The channel is closed after Close.
	// Blocks produced while the consumer is behind are dropped, never queued.
	Frames() <-chan Frame

	// Close stops capture and releases the device so it can be reacquired.
	// It is safe to call Close more than once; subsequent calls return nil.
	Close() error
}

// Source acquires exclusive access to an input device.
type Source interface {
	// Open starts capturing mono audio at f.SampleRate in blocks of blockSize
	// samples. ctx governs the acquisition only; the returned Capture lives
	// until Close is called.
	Open(ctx context.Context, f Format, blockSize int) (Capture, error)
}

// Output is an open speaker with a single monotonic playback clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Schedule places buf on the timeline starting at clock time at and
	// returns the start actually used. Buffers never start before the clock
	// or before the end of the last pending buffer, so they never overlap.
	// done is invoked exactly once when the buffer has finished playing or
	// was discarded by Flush. It may run on any goroutine and must not block.
	// done is not invoked for buffers still pending when Close is called.
	Schedule(buf PlaybackBuffer, at time.Duration, done func()) (time.Duration, error)

	// Flush discards every scheduled buffer that has not finished playing.
	Flush()

	// Close stops playback and releases the device. It is safe to call Close
	// more than once; subsequent calls return nil.
	Close() error
}

// Sink acquires an output device.
type Sink interface {
	// Open starts an output timeline for mono audio at f.SampleRate.
	Open(ctx context.Context, f Format) (Output, error)
}
