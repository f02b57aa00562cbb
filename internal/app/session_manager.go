package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/elevated/internal/study"
	"github.com/MrWong99/elevated/internal/voice"
)

// SessionInfo holds metadata about the active voice session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// StartedAt is when the session went live.
	StartedAt time.Time `json:"started_at"`

	// DeepReasoning reports whether the session runs in deep reasoning mode.
	DeepReasoning bool `json:"deep_reasoning"`
}

// SessionManager connects the voice controller to the study library: every
// session that goes live is logged as a Voice activity, and the metadata of
// the live session is kept for the API.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	ctrl    *voice.Controller
	library *study.Library
	log     *slog.Logger

	mu     sync.Mutex
	active bool
	info   SessionInfo

	unsubscribe func()
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Controller *voice.Controller
	Library    *study.Library
	Logger     *slog.Logger
}

// NewSessionManager creates a [SessionManager] and subscribes it to the
// controller's events. Call Close to unsubscribe.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		ctrl:    cfg.Controller,
		library: cfg.Library,
		log:     cfg.Logger,
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	sm.unsubscribe = sm.ctrl.Subscribe(sm.observe)
	return sm
}

// Start connects a new voice session and blocks until it is live or failed.
// Errors are the controller's: [voice.ErrAlreadyActive],
// [*voice.CaptureUnavailableError], [*voice.ConnectionError] or
// [voice.ErrConnectCancelled].
func (sm *SessionManager) Start(ctx context.Context, deepReasoning bool) error {
	return sm.ctrl.Connect(ctx, voice.ConnectOptions{DeepReasoning: deepReasoning})
}

// Stop ends the active session or aborts a connect in progress. It returns
// once the controller is idle.
func (sm *SessionManager) Stop() {
	sm.ctrl.Disconnect()
}

// IsActive reports whether a session is currently live.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Close unsubscribes from the controller and ends any active session.
func (sm *SessionManager) Close() error {
	sm.unsubscribe()
	sm.ctrl.Disconnect()
	return nil
}

// observe runs synchronously on the controller's event path.
func (sm *SessionManager) observe(ev voice.Event) {
	if ev.Kind != voice.EventState {
		return
	}
	switch ev.State {
	case voice.StateLive:
		info := SessionInfo{
			SessionID:     ev.SessionID,
			StartedAt:     ev.At.UTC(),
			DeepReasoning: sm.ctrl.Snapshot().DeepReasoning,
		}
		sm.mu.Lock()
		sm.active = true
		sm.info = info
		sm.mu.Unlock()

		title := "Started voice session"
		if info.DeepReasoning {
			title = "Started voice session (deep reasoning)"
		}
		sm.library.LogActivity(title, study.ActivityVoice)
		sm.log.Info("session started", "session_id", info.SessionID, "deep_reasoning", info.DeepReasoning)

	case voice.StateIdle:
		sm.mu.Lock()
		wasActive, id := sm.active, sm.info.SessionID
		sm.active = false
		sm.info = SessionInfo{}
		sm.mu.Unlock()
		if wasActive {
			sm.log.Info("session stopped", "session_id", id)
		}
	}
}
