package voice

import (
	"errors"
	"fmt"
)

// ErrAlreadyActive is returned by [Controller.Connect] when a session is
// connecting, live or closing. The controller state is left untouched.
var ErrAlreadyActive = errors.New("voice: session already active")

// ErrConnectCancelled is returned by [Controller.Connect] when
// [Controller.Disconnect] aborted the attempt before it went live.
var ErrConnectCancelled = errors.New("voice: connect cancelled")

// CaptureUnavailableError reports that an audio device could not be acquired.
// It is fatal to the connect attempt and is never retried automatically.
type CaptureUnavailableError struct {
	// Device is "microphone" or "speaker".
	Device string
	Err    error
}

func (e *CaptureUnavailableError) Error() string {
	return fmt.Sprintf("voice: %s unavailable: %v", e.Device, e.Err)
}

func (e *CaptureUnavailableError) Unwrap() error { return e.Err }

// ConnectionError reports that the speech service stream could not be opened.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("voice: connect to speech service: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConnectionLostError reports that a live stream ended without a local
// disconnect. The session has been torn down; the user reconnects manually.
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("voice: connection lost: %v", e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// UserMessage maps a lifecycle error to the message shown to the user.
// It returns "" for nil and for errors that are not surfaced.
func UserMessage(err error) string {
	var (
		capErr  *CaptureUnavailableError
		connErr *ConnectionError
		lostErr *ConnectionLostError
	)
	switch {
	case err == nil, errors.Is(err, ErrConnectCancelled):
		return ""
	case errors.Is(err, ErrAlreadyActive):
		return "A voice session is already running."
	case errors.As(err, &capErr):
		if capErr.Device == deviceSpeaker {
			return "Audio output failed."
		}
		return "Microphone access failed."
	case errors.As(err, &connErr), errors.As(err, &lostErr):
		return "Service unavailable. Please try again."
	default:
		return "Something went wrong."
	}
}

// errorKind is the metric label for a lifecycle error.
func errorKind(err error) string {
	var (
		capErr  *CaptureUnavailableError
		connErr *ConnectionError
		lostErr *ConnectionLostError
	)
	switch {
	case errors.Is(err, ErrConnectCancelled):
		return "cancelled"
	case errors.As(err, &capErr):
		return "capture_unavailable"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &lostErr):
		return "connection_lost"
	default:
		return "other"
	}
}
