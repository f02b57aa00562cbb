package voice

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/elevated/internal/observe"
	"github.com/MrWong99/elevated/pkg/audio"
	"github.com/MrWong99/elevated/pkg/provider/live"
)

// sessionHooks are invoked on the session's dispatch goroutine. They must not
// block and must not call [Session.Close].
type sessionHooks struct {
	speaking func(bool)
	turn     func(Turn)
	partial  func(input, output string)
}

// sessionConfig holds everything a [Session] owns once connect succeeded.
type sessionConfig struct {
	id         string
	stream     live.Stream
	capture    audio.Capture
	output     audio.Output
	captureHz  int
	sourceHz   int
	playbackHz int
	tolerance  time.Duration
	sendTO     time.Duration
	hooks      sessionHooks
	metrics    *observe.Metrics
	log        *slog.Logger
}

// Session is one live connection to the speech service together with the
// devices it exclusively owns. It is created by the [Controller] on a
// successful connect and destroyed by [Session.Close].
//
// Inbound messages and playback completions are consumed by a single
// dispatch goroutine that owns the [Scheduler]. Capture runs on its own
// goroutine and only touches the send path.
type Session struct {
	id         string
	stream     live.Stream
	capture    audio.Capture
	output     audio.Output
	sched      *Scheduler
	transcript *Reconciler

	captureHz   int
	sourceHz    int
	playbackHz  int
	sendTimeout time.Duration
	hooks       sessionHooks
	metrics     *observe.Metrics
	log         *slog.Logger

	open        atomic.Bool
	closing     atomic.Bool
	completions atomic.Int64
	completed   chan struct{}
	stop        chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
	err         error // set before done is closed

	lifeMu    sync.Mutex
	started   bool
	closeOnce sync.Once
	releases  atomic.Int32
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		id:          cfg.id,
		stream:      cfg.stream,
		capture:     cfg.capture,
		output:      cfg.output,
		transcript:  NewReconciler(),
		captureHz:   cfg.captureHz,
		sourceHz:    cfg.sourceHz,
		playbackHz:  cfg.playbackHz,
		sendTimeout: cfg.sendTO,
		hooks:       cfg.hooks,
		metrics:     cfg.metrics,
		log:         cfg.log.With("session_id", cfg.id),
		completed:   make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.sched = NewScheduler(cfg.output,
		WithTolerance(cfg.tolerance),
		WithCompletionNotify(s.notifyCompletion),
		WithSpeakingFunc(s.hooks.speaking),
		WithSchedulerMetrics(cfg.metrics),
	)
	return s
}

// start launches the dispatch and capture goroutines and opens the send path.
func (s *Session) start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closing.Load() {
		return
	}
	s.started = true
	s.open.Store(true)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dispatch()
	}()
	go func() {
		defer s.wg.Done()
		runCapture(s.capture, s.captureHz, s.sendChunk, s.log)
	}()
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Transcript returns the session's reconciler.
func (s *Session) Transcript() *Reconciler { return s.transcript }

// Done is closed when the dispatch loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the [ConnectionLostError] that ended the session, or nil if it
// was closed locally. Only valid after Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// notifyCompletion is the output's done callback. It never blocks.
func (s *Session) notifyCompletion() {
	s.completions.Add(1)
	select {
	case s.completed <- struct{}{}:
	default:
	}
}

// minSettleWait bounds how often the dispatch loop rechecks the end of a
// speaking burst.
const minSettleWait = 5 * time.Millisecond

// dispatch consumes inbound messages and playback completions in order. When
// the last buffer completed ahead of the clock it arms a timer so that
// speaking still ends once the clock reaches the end of the timeline.
func (s *Session) dispatch() {
	defer close(s.done)
	msgs := s.stream.Messages()

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	var settleC <-chan time.Time
	arm := func(wait time.Duration) {
		if wait <= 0 {
			settle.Stop()
			settleC = nil
			return
		}
		settle.Reset(max(wait, minSettleWait))
		settleC = settle.C
	}

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				s.open.Store(false)
				if s.closing.Load() {
					return
				}
				err := s.stream.Err()
				if err == nil {
					err = live.ErrStreamClosed
				}
				s.err = &ConnectionLostError{Err: err}
				s.log.Warn("voice: stream ended", "err", err)
				return
			}
			s.handle(msg)
		case <-s.completed:
			var wait time.Duration
			for n := s.completions.Swap(0); n > 0; n-- {
				wait = s.sched.Completed()
			}
			arm(wait)
		case <-settleC:
			arm(s.sched.Settle())
		case <-s.stop:
			return
		}
	}
}

// handle applies one inbound message: audio, interruption, model transcript,
// user transcript, then the turn boundary.
func (s *Session) handle(msg live.Message) {
	ctx := context.Background()
	for _, chunk := range msg.Audio {
		buf, err := audio.Decode(chunk, s.sourceHz, s.playbackHz)
		if err != nil {
			s.metrics.DecodeErrors.Add(ctx, 1)
			s.log.Debug("voice: drop undecodable audio", "bytes", len(chunk), "err", err)
			continue
		}
		if _, err := s.sched.Enqueue(buf); err != nil {
			s.log.Debug("voice: drop unschedulable audio", "err", err)
		}
	}

	if msg.Interrupted {
		s.sched.Reset()
		s.log.Debug("voice: model interrupted, playback flushed")
	}

	if msg.OutputText != "" {
		s.transcript.AppendOutput(msg.OutputText)
	}
	if msg.InputText != "" {
		s.transcript.AppendInput(msg.InputText)
	}
	if (msg.OutputText != "" || msg.InputText != "") && s.hooks.partial != nil {
		s.hooks.partial(s.transcript.Partials())
	}

	if msg.TurnComplete {
		committed := s.transcript.Commit()
		for _, t := range committed {
			s.metrics.RecordTurn(ctx, string(t.Speaker))
			if s.hooks.turn != nil {
				s.hooks.turn(t)
			}
		}
		if s.hooks.partial != nil {
			s.hooks.partial("", "")
		}
	}
}

// Close stops capture, closes the stream, waits for the session goroutines
// and releases the output device. It is idempotent; resources are released
// exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		s.closing.Store(true)
		s.open.Store(false)
		started := s.started
		s.lifeMu.Unlock()

		close(s.stop)
		if !started {
			close(s.done)
		}
		if err := s.capture.Close(); err != nil {
			s.log.Warn("voice: close capture", "err", err)
		}
		if err := s.stream.Close(); err != nil {
			s.log.Warn("voice: close stream", "err", err)
		}
		s.wg.Wait()
		if err := s.output.Close(); err != nil {
			s.log.Warn("voice: close output", "err", err)
		}
		s.releases.Add(1)
		s.log.Info("voice: session closed")
	})
}
