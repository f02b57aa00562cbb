// Package device implements [audio.Source] and [audio.Sink] on top of the
// host's sound hardware: microphone capture through miniaudio (malgo) and
// speaker playback through oto.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/elevated/pkg/audio"
)

// frameQueue is a single-slot handoff between the device callback and the
// send goroutine, not a queue. A block that completes while the previous one
// has not been taken is dropped.
const frameQueue = 1

// Microphone is an [audio.Source] backed by the default capture device.
type Microphone struct {
	backends []malgo.Backend
}

// MicrophoneOption is a functional option for [NewMicrophone].
type MicrophoneOption func(*Microphone)

// WithBackends restricts malgo to the given backends, tried in order.
func WithBackends(b ...malgo.Backend) MicrophoneOption {
	return func(m *Microphone) { m.backends = b }
}

// NewMicrophone returns a Microphone using the platform's default backend.
func NewMicrophone(opts ...MicrophoneOption) *Microphone {
	m := &Microphone{}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Source]. Samples are requested as 32-bit float so
// no integer conversion happens on the capture path.
func (m *Microphone) Open(ctx context.Context, f audio.Format, blockSize int) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("device: block size must be positive, got %d", blockSize)
	}
	channels := max(f.Channels, 1)

	mctx, err := malgo.InitContext(m.backends, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init audio context: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	c := &microphoneCapture{
		ctx:       mctx,
		frames:    make(chan audio.Frame, frameQueue),
		rate:      f.SampleRate,
		channels:  channels,
		blockSize: blockSize,
		block:     make([]float32, 0, blockSize),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		c.releaseContext()
		return nil, fmt.Errorf("device: init capture device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	c.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		c.releaseContext()
		return nil, fmt.Errorf("device: start capture: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	slog.Debug("device: capture started", "format", f, "block_size", blockSize)
	return c, nil
}

type microphoneCapture struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	frames    chan audio.Frame
	rate      int
	channels  int
	blockSize int

	mu      sync.Mutex
	block   []float32
	emitted int
	dropped int
	closed  bool

	closeOnce sync.Once
}

// onData runs on the device thread. It must never block.
func (c *microphoneCapture) onData(_, input []byte, _ uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	width := 4 * c.channels
	for off := 0; off+width <= len(input); off += width {
		var sum float32
		for ch := range c.channels {
			sum += math.Float32frombits(binary.LittleEndian.Uint32(input[off+ch*4:]))
		}
		c.block = append(c.block, sum/float32(c.channels))
		if len(c.block) == c.blockSize {
			c.emit()
		}
	}
}

// emit hands the filled block to the consumer or drops it. Caller holds c.mu.
func (c *microphoneCapture) emit() {
	samples := make([]float32, c.blockSize)
	copy(samples, c.block)
	c.block = c.block[:0]

	frame := audio.Frame{
		Samples:    samples,
		SampleRate: c.rate,
		Timestamp:  time.Duration(c.emitted*c.blockSize) * time.Second / time.Duration(c.rate),
	}
	c.emitted++
	select {
	case c.frames <- frame:
	default:
		c.dropped++
	}
}

// Frames implements [audio.Capture].
func (c *microphoneCapture) Frames() <-chan audio.Frame { return c.frames }

// Close implements [audio.Capture].
func (c *microphoneCapture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if stopErr := c.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("device: stop capture: %w", stopErr)
		}
		c.dev.Uninit()
		c.releaseContext()

		c.mu.Lock()
		c.closed = true
		dropped := c.dropped
		close(c.frames)
		c.mu.Unlock()

		slog.Debug("device: capture released", "blocks", c.emitted, "dropped", dropped)
	})
	return err
}

func (c *microphoneCapture) releaseContext() {
	if err := c.ctx.Uninit(); err != nil {
		slog.Warn("device: uninit audio context", "err", err)
	}
	c.ctx.Free()
}

var (
	_ audio.Source  = (*Microphone)(nil)
	_ audio.Capture = (*microphoneCapture)(nil)
)
