// Package gemini is the [live.Provider] for the Gemini Live API.
//
// A session is one BidiGenerateContent websocket carrying JSON frames:
// microphone PCM goes up base64 encoded in realtimeInput, and every
// serverContent frame comes back as exactly one [live.Message], in order.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/elevated/pkg/audio"
	"github.com/MrWong99/elevated/pkg/provider/live"
)

// Compile-time assertions that Provider and stream satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Stream = (*stream)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultVoice   = "Zephyr"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound frame; audio frames routinely exceed
	// the websocket library's 32 KiB default.
	readLimit = 8 << 20

	messageBuffer = 64
)

// ErrService is wrapped by errors reported in-band by the Gemini service.
var ErrService = errors.New("gemini: service error")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default native-audio model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces the wss:// endpoint prefix, e.g. with an httptest
// server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithVoice sets the default prebuilt voice used when SessionConfig.Voice is empty.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithLogger sets the logger for connection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
	logger  *slog.Logger
}

// New creates a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		voice:   defaultVoice,
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities implements [live.Provider].
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:    inputSampleRate,
		OutputSampleRate:   outputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
	}
}

// Connect dials the Gemini Live endpoint, sends the setup message and waits
// for the setupComplete acknowledgement. Any failure before the ack closes the
// connection. ctx bounds the handshake only.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Stream, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	if cfg.Voice == "" {
		cfg.Voice = p.voice
	}

	if err := writeJSON(ctx, conn, buildSetup(model, cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := awaitSetupComplete(ctx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "setup aborted")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &stream{
		conn:     conn,
		messages: make(chan live.Message, messageBuffer),
		ctx:      sessCtx,
		cancel:   sessCancel,
		logger:   p.logger.With("model", model),
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	s.logger.Debug("gemini: session open", "voice", cfg.Voice)
	return s, nil
}

// awaitSetupComplete reads frames until the service acknowledges the setup or
// reports an error.
func awaitSetupComplete(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error.asError()
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio blob `json:"audio"`
}

// buildSetup renders the BidiGenerateContent setup message for cfg.
func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) asError() error {
	msg := "unknown error"
	if e.Message != "" {
		msg = e.Message
	}
	if e.Code != 0 {
		return fmt.Errorf("%w: %d %s", ErrService, e.Code, msg)
	}
	return fmt.Errorf("%w: %s", ErrService, msg)
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// toMessage flattens a serverContent frame into a live.Message. Inline data
// that is not valid base64 is skipped.
func (sc *serverContent) toMessage(logger *slog.Logger) live.Message {
	var m live.Message
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				logger.Debug("gemini: skipping undecodable inline data", "err", err)
				continue
			}
			m.Audio = append(m.Audio, data)
		}
	}
	if sc.OutputTranscription != nil {
		m.OutputText = sc.OutputTranscription.Text
	}
	if sc.InputTranscription != nil {
		m.InputText = sc.InputTranscription.Text
	}
	m.TurnComplete = sc.TurnComplete
	m.Interrupted = sc.Interrupted
	return m
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn     *websocket.Conn
	messages chan live.Message
	logger   *slog.Logger

	mu     sync.Mutex
	err    error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON sends v as one text frame.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and forwards them in order.
// It owns the messages channel and closes it when it exits.
func (s *stream) receiveLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the stream was closed locally, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("gemini: connection lost: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if msg.Error != nil {
			s.fail(msg.Error.asError())
			return
		}
		if msg.GoAway != nil {
			s.logger.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent == nil {
			continue
		}

		m := msg.ServerContent.toMessage(s.logger)
		if m.Empty() {
			continue
		}
		select {
		case s.messages <- m:
		case <-s.ctx.Done():
			return
		}
	}
}

// keepaliveLoop pings the service so idle sessions are not dropped.
func (s *stream) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.logger.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// fail records err as the terminal error and tears the connection down.
func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.shutdown(websocket.StatusInternalError, "stream failed")
}

// ── Stream methods ─────────────────────────────────────────────────────────────

// Send delivers one encoded PCM chunk (16 kHz, s16le, mono) to the model.
func (s *stream) Send(ctx context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("gemini: send: %w", live.ErrStreamClosed)
	}

	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.PCMMimeType(inputSampleRate)
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: blob{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(chunk.Data)},
		},
	}
	if err := writeJSON(ctx, s.conn, msg); err != nil {
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Messages returns the ordered channel of inbound events.
func (s *stream) Messages() <-chan live.Message { return s.messages }

// Err returns the first non-nil error that caused the stream to terminate.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the stream and releases all resources. Idempotent.
func (s *stream) Close() error {
	s.shutdown(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *stream) shutdown(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	s.cancel()
	s.conn.Close(code, reason)
}
