// Package mock provides deterministic in-memory implementations of the
// [audio.Source], [audio.Capture], [audio.Sink] and [audio.Output] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	sink := &mock.Sink{}
//	// ... hand src and sink to the code under test ...
//	src.Capture().Push(audio.Frame{Samples: make([]float32, 4096), SampleRate: 16000})
//	sink.Output().SetNow(250 * time.Millisecond)
//	sink.Output().CompleteAll()
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/elevated/pkg/audio"
)

// ErrClosed is returned by [Output.Schedule] after Close.
var ErrClosed = errors.New("mock: output closed")

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture]. Frames are injected with [Capture.Push].
type Capture struct {
	sendMu    sync.RWMutex
	frames    chan audio.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu sync.Mutex

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Releases counts how many times the device was actually released. It is
	// at most 1 for a correctly idempotent Close.
	Releases int
}

// NewCapture returns an open capture whose frame channel holds up to buffer
// frames before [Capture.Push] blocks.
func NewCapture(buffer int) *Capture {
	return &Capture{
		frames: make(chan audio.Frame, buffer),
		done:   make(chan struct{}),
	}
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.Frame { return c.frames }

// Push delivers f to the consumer, blocking until it is accepted or the
// capture is closed. It reports whether the frame was delivered.
func (c *Capture) Push(f audio.Frame) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		c.sendMu.Lock()
		close(c.frames)
		c.sendMu.Unlock()

		c.mu.Lock()
		c.Releases++
		c.mu.Unlock()
	})
	return nil
}

// Closed reports whether Close has been called.
func (c *Capture) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ReleaseCount returns how many times the device was actually released.
func (c *Capture) ReleaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Releases
}

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	Format    audio.Format
	BlockSize int
}

// Source is a mock [audio.Source]. Each successful Open creates a fresh
// [Capture], retrievable with [Source.Capture].
type Source struct {
	mu      sync.Mutex
	current *Capture

	// OpenError is returned by Open when non-nil.
	OpenError error

	// OpenDelay blocks Open until it elapses or ctx is cancelled.
	OpenDelay time.Duration

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Opened receives a value after every successful Open, when non-nil.
	Opened chan *Capture
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context, f audio.Format, blockSize int) (audio.Capture, error) {
	s.mu.Lock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Format: f, BlockSize: blockSize})
	delay, openErr := s.OpenDelay, s.OpenError
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	c := NewCapture(1)
	s.mu.Lock()
	s.current = c
	opened := s.Opened
	s.mu.Unlock()
	if opened != nil {
		opened <- c
	}
	return c, nil
}

// Capture returns the capture created by the most recent successful Open.
func (s *Source) Capture() *Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records a single [Output.Schedule] invocation.
type ScheduleCall struct {
	Buffer audio.PlaybackBuffer
	At     time.Duration
}

// Output is a mock [audio.Output] with a manually driven clock. Scheduled
// buffers stay pending until [Output.Complete] or [Output.CompleteAll].
type Output struct {
	mu      sync.Mutex
	now     time.Duration
	lastEnd time.Duration
	pending []func()
	closed  bool

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	// ScheduleCalls records all Schedule invocations in order.
	ScheduleCalls []ScheduleCall

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Releases counts how many times the device was actually released.
	Releases int
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the output clock to d.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Schedule implements [audio.Output]. The recorded At is the requested
// start; the returned start is clamped to the clock and to the end of the
// last buffer scheduled since the previous Flush.
func (o *Output) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) (time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}
	if o.ScheduleError != nil {
		return 0, o.ScheduleError
	}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Buffer: buf, At: at})
	o.pending = append(o.pending, done)
	start := max(at, o.now, o.lastEnd)
	o.lastEnd = start + buf.Duration
	return start, nil
}

// Scheduled returns a copy of the recorded Schedule calls.
func (o *Output) Scheduled() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(out, o.ScheduleCalls)
	return out
}

// Pending returns how many scheduled buffers have not completed.
func (o *Output) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Complete finishes the oldest pending buffer and reports whether one existed.
func (o *Output) Complete() bool {
	o.mu.Lock()
	if len(o.pending) == 0 || o.closed {
		o.mu.Unlock()
		return false
	}
	done := o.pending[0]
	o.pending = o.pending[1:]
	o.mu.Unlock()
	if done != nil {
		done()
	}
	return true
}

// CompleteAll finishes every pending buffer in scheduling order.
func (o *Output) CompleteAll() {
	for o.Complete() {
	}
}

// Flush implements [audio.Output]. Pending buffers are discarded and their
// completion callbacks invoked.
func (o *Output) Flush() {
	o.mu.Lock()
	o.CallCountFlush++
	pending := o.pending
	o.pending = nil
	o.lastEnd = 0
	o.mu.Unlock()
	for _, done := range pending {
		if done != nil {
			done()
		}
	}
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	if o.closed {
		return nil
	}
	o.closed = true
	o.pending = nil
	o.Releases++
	return nil
}

// FlushCount returns how many times Flush was called.
func (o *Output) FlushCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountFlush
}

// ReleaseCount returns how many times the device was actually released.
func (o *Output) ReleaseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Releases
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink]. Each successful Open creates a fresh [Output],
// retrievable with [Sink.Output].
type Sink struct {
	mu      sync.Mutex
	current *Output

	// OpenError is returned by Open when non-nil.
	OpenError error

	// StartAt initialises the clock of each new Output.
	StartAt time.Duration

	// OpenCalls records the format passed to every Open invocation.
	OpenCalls []audio.Format
}

// Open implements [audio.Sink].
func (s *Sink) Open(_ context.Context, f audio.Format) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, f)
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	s.current = &Output{now: s.StartAt}
	return s.current, nil
}

// Output returns the output created by the most recent successful Open.
func (s *Sink) Output() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

var (
	_ audio.Source  = (*Source)(nil)
	_ audio.Capture = (*Capture)(nil)
	_ audio.Sink    = (*Sink)(nil)
	_ audio.Output  = (*Output)(nil)
)
