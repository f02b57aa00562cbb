package voice

import (
	"time"
)

// State is the connection lifecycle state of the [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateClosing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Activity is what a live session is doing. It is only meaningful in
// [StateLive]; in every other state it is [ActivityQuiescent].
type Activity int

const (
	ActivityQuiescent Activity = iota
	ActivityListening
	ActivitySpeaking
)

// String returns the lowercase activity name.
func (a Activity) String() string {
	switch a {
	case ActivityQuiescent:
		return "quiescent"
	case ActivityListening:
		return "listening"
	case ActivitySpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (a Activity) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// EventKind discriminates [Event] payloads.
type EventKind string

const (
	EventState    EventKind = "state"
	EventActivity EventKind = "activity"
	EventTurn     EventKind = "turn"
	EventPartial  EventKind = "partial"
	EventError    EventKind = "error"
)

// Event is pushed to observers registered with [Controller.Subscribe].
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`

	// EventState
	State State `json:"state"`

	// EventActivity
	Activity Activity `json:"activity"`

	// EventTurn
	Turn *Turn `json:"turn,omitempty"`

	// EventPartial
	PartialInput  string `json:"partial_input,omitempty"`
	PartialOutput string `json:"partial_output,omitempty"`

	// EventError carries the user-facing message; Err holds the cause.
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

// Snapshot is the full observable state of the controller, for observers
// that join late.
type Snapshot struct {
	State         State    `json:"state"`
	Activity      Activity `json:"activity"`
	SessionID     string   `json:"session_id,omitempty"`
	DeepReasoning bool     `json:"deep_reasoning"`
	History       []Turn   `json:"history"`
	PartialInput  string   `json:"partial_input"`
	PartialOutput string   `json:"partial_output"`
	Error         string   `json:"error,omitempty"`
}
