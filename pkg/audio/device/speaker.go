package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/elevated/pkg/audio"
)

// oto allows a single context per process; it is created on first use and
// shared by every output opened afterwards.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

// Speaker is an [audio.Sink] backed by the default output device.
type Speaker struct {
	bufferSize time.Duration
}

// SpeakerOption is a functional option for [NewSpeaker].
type SpeakerOption func(*Speaker)

// WithBufferSize sets the device buffer length. Smaller values lower latency
// at the risk of underruns.
func WithBufferSize(d time.Duration) SpeakerOption {
	return func(s *Speaker) { s.bufferSize = d }
}

// NewSpeaker returns a Speaker with a 50ms device buffer.
func NewSpeaker(opts ...SpeakerOption) *Speaker {
	s := &Speaker{bufferSize: 50 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open implements [audio.Sink]. The first call fixes the process-wide output
// sample rate; later calls must request the same rate.
func (s *Speaker) Open(ctx context.Context, f audio.Format) (audio.Output, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   s.bufferSize,
		})
		if otoErr == nil {
			<-ready
			otoRate = f.SampleRate
		}
	})
	if otoErr != nil {
		return nil, fmt.Errorf("device: init output context: %w: %w", audio.ErrDeviceUnavailable, otoErr)
	}
	if f.SampleRate != otoRate {
		return nil, fmt.Errorf("device: output already running at %s, cannot open %s",
			audio.Format{SampleRate: otoRate, Channels: 1}, f)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &timeline{rate: f.SampleRate}
	t.player = otoCtx.NewPlayer(t)
	t.player.Play()
	slog.Debug("device: playback started", "format", f)
	return t, nil
}

// segment is one scheduled buffer expressed in absolute sample positions.
type segment struct {
	start   int64
	samples []float32
	done    func()
}

func (s segment) end() int64 { return s.start + int64(len(s.samples)) }

// timeline is an io.Reader pulled by the oto player. Its read position is the
// output clock: every sample handed to the device advances it, and gaps
// between scheduled segments are filled with silence.
type timeline struct {
	rate   int
	player *oto.Player

	mu       sync.Mutex
	pos      int64
	segments []segment
	closed   bool

	closeOnce sync.Once
}

// Now implements [audio.Output].
func (t *timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDuration(t.pos)
}

// Schedule implements [audio.Output]. A segment starts no earlier than the
// read position and the end of the last pending segment.
func (t *timeline) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) (time.Duration, error) {
	if buf.SampleRate != t.rate {
		return 0, fmt.Errorf("device: buffer rate %d does not match output rate %d", buf.SampleRate, t.rate)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, fmt.Errorf("device: schedule on closed output")
	}
	start := max(t.toSamples(at), t.pos)
	if n := len(t.segments); n > 0 {
		start = max(start, t.segments[n-1].end())
	}
	t.segments = append(t.segments, segment{start: start, samples: buf.Samples, done: done})
	return t.toDuration(start), nil
}

// Flush implements [audio.Output].
func (t *timeline) Flush() {
	t.mu.Lock()
	dropped := t.segments
	t.segments = nil
	t.mu.Unlock()
	for _, s := range dropped {
		if s.done != nil {
			s.done()
		}
	}
}

// Read implements io.Reader for the oto player.
func (t *timeline) Read(p []byte) (int, error) {
	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	from, to := t.pos, t.pos+int64(n)
	for i := range n {
		binary.LittleEndian.PutUint32(p[i*4:], 0)
	}
	for _, s := range t.segments {
		if s.start >= to {
			break
		}
		lo, hi := max(s.start, from), min(s.end(), to)
		for abs := lo; abs < hi; abs++ {
			v := s.samples[abs-s.start]
			binary.LittleEndian.PutUint32(p[(abs-from)*4:], math.Float32bits(v))
		}
	}
	t.pos = to

	var finished []func()
	kept := t.segments[:0]
	for _, s := range t.segments {
		if s.end() <= to {
			if s.done != nil {
				finished = append(finished, s.done)
			}
			continue
		}
		kept = append(kept, s)
	}
	t.segments = kept
	t.mu.Unlock()

	for _, done := range finished {
		done()
	}
	return n * 4, nil
}

// Close implements [audio.Output].
func (t *timeline) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.segments = nil
		t.mu.Unlock()
		if closeErr := t.player.Close(); closeErr != nil {
			err = fmt.Errorf("device: close player: %w", closeErr)
		}
		slog.Debug("device: playback released")
	})
	return err
}

func (t *timeline) toSamples(d time.Duration) int64 {
	return int64(d) * int64(t.rate) / int64(time.Second)
}

func (t *timeline) toDuration(samples int64) time.Duration {
	return time.Duration(samples * int64(time.Second) / int64(t.rate))
}

var (
	_ audio.Sink   = (*Speaker)(nil)
	_ audio.Output = (*timeline)(nil)
)
