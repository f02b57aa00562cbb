// Package voice implements the real-time voice companion: microphone capture,
// playback scheduling, transcript reconciliation and the connection lifecycle
// around one live speech-service session.
//
// The [Controller] is the entry point. It walks the state machine
//
//	Idle → Connecting → Live → Closing → Idle
//
// and owns at most one [Session] at a time. Observers receive [Event] values
// through [Controller.Subscribe] and can catch up with [Controller.Snapshot].
package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/elevated/internal/observe"
	"github.com/MrWong99/elevated/pkg/audio"
	"github.com/MrWong99/elevated/pkg/provider/live"
)

const (
	deviceMicrophone = "microphone"
	deviceSpeaker    = "speaker"
)

// Config holds the tunables of the voice pipeline. Zero fields take the
// defaults listed on each field.
type Config struct {
	// Model overrides the live provider's default model.
	Model string

	// Voice is the prebuilt voice name. Default "Zephyr".
	Voice string

	// CaptureSampleRate is the microphone rate in Hz. Default 16000.
	CaptureSampleRate int

	// BlockSize is the number of samples per captured frame. Default 4096.
	BlockSize int

	// PlaybackSampleRate is the output device rate in Hz. Default 24000.
	PlaybackSampleRate int

	// ContextBudget caps the material characters in the instruction.
	// Default [DefaultContextBudget].
	ContextBudget int

	// SpeakingTolerance is the "speaking ended" slack. Default
	// [DefaultSpeakingTolerance].
	SpeakingTolerance time.Duration

	// SendTimeout bounds a single outbound frame. Default 2s.
	SendTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Voice == "" {
		c.Voice = "Zephyr"
	}
	if c.CaptureSampleRate <= 0 {
		c.CaptureSampleRate = 16000
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 4096
	}
	if c.PlaybackSampleRate <= 0 {
		c.PlaybackSampleRate = 24000
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = DefaultContextBudget
	}
	if c.SpeakingTolerance <= 0 {
		c.SpeakingTolerance = DefaultSpeakingTolerance
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
}

// MaterialsFunc returns the study materials to ground a new session in.
type MaterialsFunc func(ctx context.Context) ([]Material, error)

// ConnectOptions are the per-connect mode flags.
type ConnectOptions struct {
	// DeepReasoning asks the model for detailed explanations. It is fixed
	// for the lifetime of the session.
	DeepReasoning bool
}

// Option is a functional option for [NewController].
type Option func(*Controller)

// WithConfig sets the pipeline tunables.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithMaterials sets the source of study materials for the instruction.
func WithMaterials(fn MaterialsFunc) Option {
	return func(c *Controller) { c.materials = fn }
}

// WithMetrics records voice metrics to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// attempt tracks one in-flight connect so Disconnect can abort it.
type attempt struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// Controller manages the lifecycle of the voice session. Only one session
// can exist at a time. All exported methods are safe for concurrent use.
type Controller struct {
	provider  live.Provider
	source    audio.Source
	sink      audio.Sink
	materials MaterialsFunc
	cfg       Config
	metrics   *observe.Metrics
	log       *slog.Logger

	mu            sync.Mutex
	state         State
	activity      Activity
	session       *Session
	attempt       *attempt
	idle          chan struct{} // closed on the transition back to Idle
	deepReasoning bool
	transcript    *Reconciler // current or most recent session
	lastErr       error

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// NewController creates an idle controller. The source and sink are opened on
// every connect and released on every disconnect.
func NewController(provider live.Provider, source audio.Source, sink audio.Sink, opts ...Option) *Controller {
	c := &Controller{
		provider:   provider,
		source:     source,
		sink:       sink,
		transcript: NewReconciler(),
		subs:       make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(c)
	}
	c.cfg.applyDefaults()
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// SetConfig replaces the pipeline tunables. The change applies from the next
// connect; a live session keeps the settings it was opened with.
func (c *Controller) SetConfig(cfg Config) {
	cfg.applyDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.log.Info("voice: config updated", "voice", cfg.Voice, "capture_hz", cfg.CaptureSampleRate, "playback_hz", cfg.PlaybackSampleRate)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Connect acquires the microphone and speaker, opens the speech-service
// stream, and goes live. It blocks until the session is live or the attempt
// failed; either way the controller is never left in Connecting.
//
// Returns [ErrAlreadyActive] unless the controller is Idle,
// [*CaptureUnavailableError] or [*ConnectionError] on failure, and
// [ErrConnectCancelled] when [Controller.Disconnect] aborted the attempt.
func (c *Controller) Connect(ctx context.Context, opts ConnectOptions) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		c.metrics.RecordConnectAttempt(ctx, "rejected")
		return ErrAlreadyActive
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	at := &attempt{cancel: cancel, done: make(chan struct{})}
	c.attempt = at
	c.state = StateConnecting
	c.activity = ActivityQuiescent
	c.idle = make(chan struct{})
	c.deepReasoning = opts.DeepReasoning
	c.lastErr = nil
	cfg := c.cfg
	c.mu.Unlock()

	defer close(at.done)
	defer cancel()

	c.emit(Event{Kind: EventState, State: StateConnecting})

	start := time.Now()
	spanCtx, span := observe.StartSpan(attemptCtx, "voice.connect")
	sess, err := c.open(spanCtx, opts, cfg)
	if sess != nil {
		span.SetAttributes(observe.AttrSessionID.String(sess.ID()))
	}
	if err != nil {
		span.SetAttributes(observe.AttrErrorKind.String(errorKind(err)))
	}
	observe.EndSpan(span, err)

	c.mu.Lock()
	if at.cancelled {
		// Disconnect owns the transition back to Idle once done is closed.
		c.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		c.metrics.RecordConnectAttempt(ctx, "cancelled")
		c.log.Info("voice: connect cancelled")
		return ErrConnectCancelled
	}
	if err != nil {
		c.attempt = nil
		c.state = StateIdle
		c.lastErr = err
		idle := c.idle
		c.mu.Unlock()
		close(idle)

		kind := errorKind(err)
		c.metrics.RecordConnectAttempt(ctx, kind)
		c.metrics.RecordSessionError(ctx, kind)
		c.log.Warn("voice: connect failed", "err", err)
		c.emit(Event{Kind: EventState, State: StateIdle})
		c.emit(Event{Kind: EventError, Message: UserMessage(err), Err: err})
		return err
	}
	c.attempt = nil
	c.session = sess
	c.transcript = sess.Transcript()
	c.state = StateLive
	c.activity = ActivityListening
	sess.start()
	go c.watch(sess)
	c.mu.Unlock()

	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	c.metrics.RecordConnectAttempt(ctx, "ok")
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.log.Info("voice: session live",
		"session_id", sess.ID(),
		"deep_reasoning", opts.DeepReasoning,
		"elapsed", time.Since(start),
	)
	c.emit(Event{Kind: EventState, SessionID: sess.ID(), State: StateLive})
	c.emit(Event{Kind: EventActivity, SessionID: sess.ID(), Activity: ActivityListening})
	return nil
}

// open acquires every resource of a new session. On failure everything that
// was acquired is released before returning.
func (c *Controller) open(ctx context.Context, opts ConnectOptions, cfg Config) (*Session, error) {
	caps := c.provider.Capabilities()
	inputHz := cfg.CaptureSampleRate
	if caps.InputSampleRate > 0 {
		inputHz = caps.InputSampleRate
	}
	sourceHz := caps.OutputSampleRate
	if sourceHz <= 0 {
		sourceHz = 24000
	}

	capture, err := c.source.Open(ctx, audio.Format{SampleRate: cfg.CaptureSampleRate, Channels: 1}, cfg.BlockSize)
	if err != nil {
		return nil, &CaptureUnavailableError{Device: deviceMicrophone, Err: err}
	}

	output, err := c.sink.Open(ctx, audio.Format{SampleRate: cfg.PlaybackSampleRate, Channels: 1})
	if err != nil {
		_ = capture.Close()
		return nil, &CaptureUnavailableError{Device: deviceSpeaker, Err: err}
	}

	var materials []Material
	if c.materials != nil {
		materials, err = c.materials(ctx)
		if err != nil {
			c.log.Warn("voice: load study materials, continuing without", "err", err)
			materials = nil
		}
	}

	stream, err := c.provider.Connect(ctx, live.SessionConfig{
		Model:               cfg.Model,
		Voice:               cfg.Voice,
		Instructions:        BuildInstruction(materials, opts.DeepReasoning, cfg.ContextBudget),
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		_ = output.Close()
		_ = capture.Close()
		return nil, &ConnectionError{Err: err}
	}

	id := uuid.NewString()
	var sess *Session
	sess = newSession(sessionConfig{
		id:         id,
		stream:     stream,
		capture:    capture,
		output:     output,
		captureHz:  inputHz,
		sourceHz:   sourceHz,
		playbackHz: cfg.PlaybackSampleRate,
		tolerance:  cfg.SpeakingTolerance,
		sendTO:     cfg.SendTimeout,
		hooks: sessionHooks{
			speaking: func(speaking bool) { c.onSpeaking(sess, speaking) },
			turn: func(t Turn) {
				c.emit(Event{Kind: EventTurn, SessionID: id, Turn: &t})
			},
			partial: func(in, out string) {
				c.emit(Event{Kind: EventPartial, SessionID: id, PartialInput: in, PartialOutput: out})
			},
		},
		metrics: c.metrics,
		log:     c.log,
	})
	return sess, nil
}

// Disconnect tears down the current session or aborts a connect in
// progress. It is callable from any state, never fails, and returns once the
// controller is Idle. Resources are released exactly once.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return

	case StateClosing:
		idle := c.idle
		c.mu.Unlock()
		<-idle
		return

	case StateConnecting:
		at := c.attempt
		at.cancelled = true
		c.attempt = nil
		c.state = StateClosing
		c.mu.Unlock()
		c.emit(Event{Kind: EventState, State: StateClosing})

		at.cancel()
		<-at.done
		c.finishClose("", nil)

	case StateLive:
		sess := c.session
		c.session = nil
		c.state = StateClosing
		c.activity = ActivityQuiescent
		c.mu.Unlock()
		c.emit(Event{Kind: EventState, SessionID: sess.ID(), State: StateClosing})

		sess.Close()
		c.metrics.ActiveSessions.Add(context.Background(), -1)
		c.finishClose(sess.ID(), nil)
	}
}

// watch waits for sess to end on its own and tears it down with a
// [ConnectionLostError].
func (c *Controller) watch(sess *Session) {
	<-sess.Done()
	err := sess.Err()
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.state = StateClosing
	c.activity = ActivityQuiescent
	c.mu.Unlock()
	c.emit(Event{Kind: EventState, SessionID: sess.ID(), State: StateClosing})

	sess.Close()
	ctx := context.Background()
	c.metrics.ActiveSessions.Add(ctx, -1)
	c.metrics.RecordSessionError(ctx, errorKind(err))
	c.log.Warn("voice: session lost", "session_id", sess.ID(), "err", err)
	c.finishClose(sess.ID(), err)
}

// finishClose completes the Closing → Idle transition.
func (c *Controller) finishClose(sessionID string, err error) {
	c.mu.Lock()
	c.state = StateIdle
	c.activity = ActivityQuiescent
	c.lastErr = err
	c.transcript.ClearPartials()
	idle := c.idle
	c.mu.Unlock()
	close(idle)

	c.emit(Event{Kind: EventState, SessionID: sessionID, State: StateIdle})
	if err != nil {
		c.emit(Event{Kind: EventError, SessionID: sessionID, Message: UserMessage(err), Err: err})
	}
}

// onSpeaking maps scheduler bursts to the Live activity.
func (c *Controller) onSpeaking(sess *Session, speaking bool) {
	act := ActivityListening
	if speaking {
		act = ActivitySpeaking
	}
	c.mu.Lock()
	if c.session != sess || c.state != StateLive || c.activity == act {
		c.mu.Unlock()
		return
	}
	c.activity = act
	c.mu.Unlock()
	c.emit(Event{Kind: EventActivity, SessionID: sess.ID(), Activity: act})
}

// ── Observation ──────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Activity returns the current activity; Quiescent unless Live.
func (c *Controller) Activity() Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activity
}

// Err returns the error that ended the last connect attempt or session.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot returns the full observable state. The history of the most recent
// session stays readable after it closed, until the next connect succeeds.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State:         c.state,
		Activity:      c.activity,
		DeepReasoning: c.deepReasoning,
		Error:         UserMessage(c.lastErr),
	}
	if c.session != nil {
		snap.SessionID = c.session.ID()
	}
	tr := c.transcript
	c.mu.Unlock()

	snap.History = tr.History()
	snap.PartialInput, snap.PartialOutput = tr.Partials()
	return snap
}

// Subscribe registers fn for every subsequent [Event]. fn is called
// synchronously on the goroutine that produced the event and must not block
// or call back into the controller's lifecycle methods. The returned function
// removes the subscription.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

func (c *Controller) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, fn := range c.subs {
		fn(ev)
	}
}
