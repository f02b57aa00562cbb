package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/elevated/internal/app"
	"github.com/MrWong99/elevated/internal/observe"
	"github.com/MrWong99/elevated/internal/study"
	"github.com/MrWong99/elevated/internal/voice"
	audiomock "github.com/MrWong99/elevated/pkg/audio/mock"
	livemock "github.com/MrWong99/elevated/pkg/provider/live/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

type sessionFixture struct {
	sm       *app.SessionManager
	ctrl     *voice.Controller
	library  *study.Library
	provider *livemock.Provider
}

func newTestSessionManager(t *testing.T) *sessionFixture {
	t.Helper()
	provider := &livemock.Provider{}
	ctrl := voice.NewController(provider, &audiomock.Source{}, &audiomock.Sink{},
		voice.WithMetrics(noopMetrics(t)),
		voice.WithLogger(discardLogger()),
	)
	library := study.NewLibrary(study.NewMemoryStore(), study.WithLibraryLogger(discardLogger()))
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Controller: ctrl,
		Library:    library,
		Logger:     discardLogger(),
	})
	t.Cleanup(func() { _ = sm.Close() })
	return &sessionFixture{sm: sm, ctrl: ctrl, library: library, provider: provider}
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	if err := f.sm.Start(context.Background(), false); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if !f.sm.IsActive() {
		t.Fatal("expected session to be active after Start")
	}
	info := f.sm.Info()
	if info.SessionID == "" {
		t.Error("SessionID should not be empty")
	}
	if info.SessionID != f.ctrl.Snapshot().SessionID {
		t.Errorf("SessionID = %q, want controller's %q", info.SessionID, f.ctrl.Snapshot().SessionID)
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}
	if info.DeepReasoning {
		t.Error("DeepReasoning = true, want false")
	}

	acts := f.library.RecentActivity()
	if len(acts) != 1 {
		t.Fatalf("activity entries = %d, want 1", len(acts))
	}
	if acts[0].Title != "Started voice session" || acts[0].Type != study.ActivityVoice {
		t.Errorf("activity = %+v, want Voice %q", acts[0], "Started voice session")
	}

	f.sm.Stop()

	if f.sm.IsActive() {
		t.Fatal("expected session to be inactive after Stop")
	}
	if got := f.sm.Info(); got != (app.SessionInfo{}) {
		t.Errorf("Info() after Stop = %+v, want zero value", got)
	}
	if st := f.ctrl.State(); st != voice.StateIdle {
		t.Errorf("controller state = %v, want idle", st)
	}
}

func TestSessionManager_DeepReasoning(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	if err := f.sm.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !f.sm.Info().DeepReasoning {
		t.Error("DeepReasoning = false, want true")
	}
	if got := f.library.RecentActivity()[0].Title; got != "Started voice session (deep reasoning)" {
		t.Errorf("activity title = %q", got)
	}
}

func TestSessionManager_StartWhileActive(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	ctx := context.Background()
	if err := f.sm.Start(ctx, false); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	id := f.sm.Info().SessionID

	err := f.sm.Start(ctx, true)
	if !errors.Is(err, voice.ErrAlreadyActive) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyActive", err)
	}
	if got := f.sm.Info().SessionID; got != id {
		t.Errorf("SessionID changed from %q to %q", id, got)
	}
	if n := len(f.library.RecentActivity()); n != 1 {
		t.Errorf("activity entries = %d, want 1", n)
	}
}

func TestSessionManager_ConnectFailure(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	f.provider.ConnectErr = errors.New("handshake refused")

	err := f.sm.Start(context.Background(), false)
	var connErr *voice.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Start() error = %v, want *voice.ConnectionError", err)
	}
	if f.sm.IsActive() {
		t.Error("expected no active session after a failed connect")
	}
	if n := len(f.library.RecentActivity()); n != 0 {
		t.Errorf("activity entries = %d, want 0", n)
	}
}

func TestSessionManager_ConnectionLost(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	if err := f.sm.Start(context.Background(), false); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	f.provider.Last().Fail(errors.New("socket reset"))

	waitFor(t, func() bool { return !f.sm.IsActive() }, "session manager to notice the lost connection")
	if got := f.sm.Info(); got != (app.SessionInfo{}) {
		t.Errorf("Info() = %+v, want zero value", got)
	}
}

func TestSessionManager_CloseUnsubscribes(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	ctx := context.Background()
	if err := f.sm.Start(ctx, false); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := f.sm.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if st := f.ctrl.State(); st != voice.StateIdle {
		t.Fatalf("controller state after Close = %v, want idle", st)
	}

	// Sessions started directly on the controller are no longer tracked.
	if err := f.ctrl.Connect(ctx, voice.ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer f.ctrl.Disconnect()
	if f.sm.IsActive() {
		t.Error("closed session manager should not track new sessions")
	}
	if n := len(f.library.RecentActivity()); n != 1 {
		t.Errorf("activity entries = %d, want 1", n)
	}
}
