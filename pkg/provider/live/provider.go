// Package live defines the Provider interface for real-time speech models.
//
// A live provider wraps a hosted voice model that accepts a continuous stream
// of microphone audio and answers with synthesised speech plus transcripts of
// both sides of the conversation, all over one long-lived bidirectional
// connection.
//
// The central abstraction is [Stream]: outbound audio goes through
// [Stream.Send]; everything the service says comes back, strictly in arrival
// order, as [Message] values on a single channel. Keeping one channel (rather
// than one per payload kind) preserves the ordering between audio, transcript
// fragments and turn boundaries that transcript reconstruction depends on.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/elevated/pkg/audio"
)

// ErrStreamClosed is returned by [Stream.Send] after the stream has closed.
var ErrStreamClosed = errors.New("live: stream closed")

// SessionConfig is the configuration sent once when a stream is opened.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string

	// Instructions is the system instruction for the whole session.
	Instructions string

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool
}

// Message is one inbound server event. A single message may carry several
// payloads; consumers must process them in field order: Audio, OutputText,
// InputText, then TurnComplete.
type Message struct {
	// Audio holds raw 16-bit little-endian PCM chunks at the provider's
	// output sample rate, in arrival order.
	Audio [][]byte

	// OutputText is a transcript fragment of the model's speech.
	OutputText string

	// InputText is a transcript fragment of the user's speech.
	InputText string

	// TurnComplete marks the end of the current exchange.
	TurnComplete bool

	// Interrupted reports that the model stopped generating because the user
	// started speaking. Audio already sent for the turn should be discarded.
	Interrupted bool
}

// Empty reports whether m carries no payload.
func (m Message) Empty() bool {
	return len(m.Audio) == 0 && m.OutputText == "" && m.InputText == "" &&
		!m.TurnComplete && !m.Interrupted
}

// Stream is an open session with a live provider.
//
// Callers must call Close when the stream is no longer needed.
type Stream interface {
	// Send transmits one encoded audio chunk. There is no acknowledgement.
	// Returns [ErrStreamClosed] (wrapped) once the stream has closed.
	Send(ctx context.Context, chunk audio.EncodedChunk) error

	// Messages returns the ordered channel of inbound events. It is closed
	// when the stream ends; check Err afterwards.
	Messages() <-chan Message

	// Err returns the error that ended the stream, or nil if it was closed
	// locally through Close.
	Err() error

	// Close terminates the stream. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the rate the service expects for outbound PCM.
	InputSampleRate int

	// OutputSampleRate is the rate of inbound PCM.
	OutputSampleRate int

	// MaxSessionDuration is the service-imposed session limit; zero means none.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names.
	Voices []string
}

// Provider is the abstraction over any live speech backend.
type Provider interface {
	// Connect opens a stream and returns only once the service has accepted
	// the session configuration. ctx bounds the whole handshake.
	Connect(ctx context.Context, cfg SessionConfig) (Stream, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
