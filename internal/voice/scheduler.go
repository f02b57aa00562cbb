package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/elevated/internal/observe"
	"github.com/MrWong99/elevated/pkg/audio"
)

// DefaultSpeakingTolerance is how close to the end of the timeline the output
// clock must be for a completion to count as "speaking ended".
const DefaultSpeakingTolerance = 100 * time.Millisecond

// Scheduler places decoded buffers back to back on a single output timeline.
//
// The cursor next is monotonically non-decreasing between resets and is
// never behind the output clock at a scheduling decision, so no buffer starts
// before the previous one has finished.
//
// A Scheduler is owned by one goroutine (the session's dispatch loop) and is
// not safe for concurrent use. Completions reported by the output device are
// relayed to that goroutine, which calls [Scheduler.Completed].
type Scheduler struct {
	out       audio.Output
	tolerance time.Duration
	notify    func()
	speakingf func(bool)
	metrics   *observe.Metrics

	next     time.Duration
	pending  int
	speaking bool
}

// SchedulerOption is a functional option for [NewScheduler].
type SchedulerOption func(*Scheduler)

// WithTolerance overrides [DefaultSpeakingTolerance].
func WithTolerance(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.tolerance = d
		}
	}
}

// WithCompletionNotify sets the function passed to the output as the
// per-buffer done callback. It runs on the output's goroutine and must not
// block. Without it the scheduler counts completions only via direct
// [Scheduler.Completed] calls.
func WithCompletionNotify(fn func()) SchedulerOption {
	return func(s *Scheduler) { s.notify = fn }
}

// WithSpeakingFunc registers a callback for speaking started (true) and
// speaking ended (false) transitions.
func WithSpeakingFunc(fn func(speaking bool)) SchedulerOption {
	return func(s *Scheduler) { s.speakingf = fn }
}

// WithSchedulerMetrics records scheduled buffers and playback lead to m.
func WithSchedulerMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler whose cursor starts at out's current clock.
func NewScheduler(out audio.Output, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:       out,
		tolerance: DefaultSpeakingTolerance,
	}
	for _, o := range opts {
		o(s)
	}
	s.next = out.Now()
	return s
}

// Enqueue schedules buf at max(now, next) and advances the cursor to the end
// of the buffer. The output may start buf later than asked; the cursor
// follows the start it reports. Enqueue returns that start.
func (s *Scheduler) Enqueue(buf audio.PlaybackBuffer) (time.Duration, error) {
	now := s.out.Now()

	done := s.notify
	if done == nil {
		done = func() {}
	}
	start, err := s.out.Schedule(buf, max(now, s.next), done)
	if err != nil {
		return 0, fmt.Errorf("voice: schedule buffer: %w", err)
	}
	s.next = max(start+buf.Duration, s.next)
	s.pending++

	if s.metrics != nil {
		ctx := context.Background()
		s.metrics.BuffersScheduled.Add(ctx, 1)
		s.metrics.PlaybackLead.Record(ctx, (start - now).Seconds())
	}

	if !s.speaking {
		s.speaking = true
		if s.speakingf != nil {
			s.speakingf(true)
		}
	}
	return start, nil
}

// Completed records that one scheduled buffer finished playing (or was
// flushed) and then calls [Scheduler.Settle].
func (s *Scheduler) Completed() time.Duration {
	if s.pending > 0 {
		s.pending--
	}
	return s.Settle()
}

// Settle ends speaking when nothing is pending and the clock has reached the
// end of the timeline within the tolerance. If only the clock is missing it
// returns how far the clock still has to run; the owner calls Settle again
// once that time has passed. Otherwise it returns zero.
func (s *Scheduler) Settle() time.Duration {
	if s.pending > 0 || !s.speaking {
		return 0
	}
	if left := s.next - s.tolerance - s.out.Now(); left > 0 {
		return left
	}
	s.speaking = false
	if s.speakingf != nil {
		s.speakingf(false)
	}
	return 0
}

// Reset discards unplayed audio and moves the cursor back to the output
// clock. Used when the model is interrupted mid-turn.
func (s *Scheduler) Reset() {
	s.next = s.out.Now()
	s.out.Flush()
}

// Next returns the end of the scheduled timeline.
func (s *Scheduler) Next() time.Duration { return s.next }

// Pending returns how many scheduled buffers have not completed.
func (s *Scheduler) Pending() int { return s.pending }

// Speaking reports whether the scheduler is inside a playback burst.
func (s *Scheduler) Speaking() bool { return s.speaking }
