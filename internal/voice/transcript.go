package voice

import (
	"strings"
	"sync"
)

// Speaker identifies who said a committed turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Turn is one committed utterance. Turns are immutable once committed.
type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Reconciler accumulates the in-progress user and model transcripts of one
// session and commits them to an append-only history on turn boundaries.
//
// Fragments are concatenated in arrival order with no reordering or
// deduplication. Commits happen only through [Reconciler.Commit]; silence or
// timeouts never commit. All methods are safe for concurrent use.
type Reconciler struct {
	mu      sync.Mutex
	input   strings.Builder
	output  strings.Builder
	history []Turn
}

// NewReconciler returns an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// AppendInput appends a fragment of the user's speech transcript.
func (r *Reconciler) AppendInput(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input.WriteString(fragment)
}

// AppendOutput appends a fragment of the model's speech transcript.
func (r *Reconciler) AppendOutput(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output.WriteString(fragment)
}

// Commit closes the current exchange. The user partial is committed first,
// then the model partial; whitespace-only partials are skipped. Both partials
// are cleared together. Commit returns the turns it appended, which is empty
// when neither side said anything, so repeated calls never commit twice.
func (r *Reconciler) Commit() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var committed []Turn
	if text := r.input.String(); strings.TrimSpace(text) != "" {
		committed = append(committed, Turn{Speaker: SpeakerUser, Text: text})
	}
	if text := r.output.String(); strings.TrimSpace(text) != "" {
		committed = append(committed, Turn{Speaker: SpeakerModel, Text: text})
	}
	r.input.Reset()
	r.output.Reset()
	r.history = append(r.history, committed...)
	return committed
}

// Partials returns the uncommitted user and model text.
func (r *Reconciler) Partials() (input, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.input.String(), r.output.String()
}

// History returns a copy of the committed turns in commit order.
func (r *Reconciler) History() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Turn, len(r.history))
	copy(out, r.history)
	return out
}

// ClearPartials drops uncommitted text without touching the history.
func (r *Reconciler) ClearPartials() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input.Reset()
	r.output.Reset()
}
