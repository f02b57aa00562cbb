// Package app wires all Elevated subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the study library, the
// text generator and the voice controller, Run serves the HTTP API until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via [Providers] and functional
// options (WithMaterialStore, WithMetrics, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/elevated/internal/config"
	"github.com/MrWong99/elevated/internal/health"
	"github.com/MrWong99/elevated/internal/observe"
	"github.com/MrWong99/elevated/internal/study"
	"github.com/MrWong99/elevated/internal/voice"
	"github.com/MrWong99/elevated/pkg/audio"
	"github.com/MrWong99/elevated/pkg/provider/grounding"
	"github.com/MrWong99/elevated/pkg/provider/live"
	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// serverShutdownTimeout bounds the graceful HTTP shutdown in Run.
const serverShutdownTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry. Live, Source and Sink are required. A nil LLM
// disables the text-generation endpoints and a nil Grounding disables web
// search and image reading.
type Providers struct {
	Live      live.Provider
	LLM       llm.Provider
	Grounding grounding.Provider
	Source    audio.Source
	Sink      audio.Sink
}

// App owns all subsystem lifetimes and serves the Elevated HTTP API.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	version   string

	// metricsHandler serves /metrics.
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	store     study.MaterialStore
	checkers  []health.Checker
	library   *study.Library
	generator *study.Generator
	ctrl      *voice.Controller
	sessions  *SessionManager
	hub       *eventHub

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMaterialStore injects a material store instead of creating one from
// config.
func WithMaterialStore(s study.MaterialStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records metrics to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry. Pass [observe.Telemetry.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithVersion sets the build version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New connects the material store synchronously; when the Postgres store
// cannot be opened New fails. The voice session itself is only started by an
// API call.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: a live provider is required")
	}
	if providers.Source == nil || providers.Sink == nil {
		return nil, errors.New("app: an audio source and sink are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	a.checkProviders()

	// ── 1. Material store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init materials: %w", err)
	}

	// ── 2. Study library + generator ─────────────────────────────────────
	a.library = study.NewLibrary(a.store, study.WithLibraryLogger(a.log))
	if providers.LLM == nil {
		a.log.Warn("app: no llm provider configured, flashcards, quizzes, chat and video notes are disabled")
	}
	if providers.Grounding == nil {
		a.log.Warn("app: no grounding provider configured, web search and image upload are disabled")
	}
	if providers.LLM != nil || providers.Grounding != nil {
		a.generator = study.NewGenerator(providers.LLM,
			study.WithModels(cfg.Providers.LLM.Model, cfg.Providers.LLM.ReasoningModel()),
			study.WithGrounding(providers.Grounding),
			study.WithGeneratorMetrics(a.metrics),
			study.WithGeneratorLogger(a.log),
		)
	}

	// ── 3. Voice controller ──────────────────────────────────────────────
	a.ctrl = voice.NewController(providers.Live, providers.Source, providers.Sink,
		voice.WithConfig(voiceConfig(cfg)),
		voice.WithMaterials(a.voiceMaterials),
		voice.WithMetrics(a.metrics),
		voice.WithLogger(a.log),
	)

	// ── 4. Session manager + observer hub ────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Controller: a.ctrl,
		Library:    a.library,
		Logger:     a.log,
	})
	a.hub = newEventHub(a.ctrl, a.log)

	// The hub goes first so observers see "going away" rather than a dropped
	// socket; the session manager then ends any live session.
	a.closers = append([]func() error{a.hub.Close, a.sessions.Close}, a.closers...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the Postgres material store when a DSN is configured and
// falls back to an in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		if p, ok := a.store.(health.Pinger); ok {
			a.checkers = append(a.checkers, health.Ping("materials", p))
		}
		return nil
	}

	dsn := a.cfg.Materials.PostgresDSN
	if dsn == "" {
		a.log.Warn("app: materials.postgres_dsn not set, materials are kept in memory only")
		a.store = study.NewMemoryStore()
		return nil
	}

	store, closeFn, err := study.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.Ping("materials", store))
	a.closers = append(a.closers, func() error {
		closeFn()
		return nil
	})
	a.log.Info("app: material store connected", "backend", "postgres")
	return nil
}

// checker is implemented by providers that can tell whether they currently
// accept calls, such as the circuit-breaker wrappers.
type checker interface {
	Check(ctx context.Context) error
}

// checkProviders registers readiness checks for providers that support them.
func (a *App) checkProviders() {
	if c, ok := a.providers.Live.(checker); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "live_provider", Check: c.Check})
	}
	if c, ok := a.providers.LLM.(checker); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "llm_provider", Check: c.Check, Optional: true})
	}
	if c, ok := a.providers.Grounding.(checker); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "grounding_provider", Check: c.Check, Optional: true})
	}
}

// voiceMaterials feeds the library's materials into new voice sessions.
func (a *App) voiceMaterials(ctx context.Context) ([]voice.Material, error) {
	ms, err := a.library.Materials(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]voice.Material, 0, len(ms))
	for _, m := range ms {
		out = append(out, voice.Material{Title: m.Title, Content: m.Content})
	}
	return out, nil
}

// voiceConfig maps the voice section of cfg onto the controller's tunables.
func voiceConfig(cfg *config.Config) voice.Config {
	v := cfg.Voice
	return voice.Config{
		Model:              cfg.Providers.Live.Model,
		Voice:              v.Voice,
		CaptureSampleRate:  v.CaptureSampleRate,
		BlockSize:          v.BlockSize,
		PlaybackSampleRate: v.PlaybackSampleRate,
		ContextBudget:      v.ContextBudget,
		SpeakingTolerance:  v.SpeakingTolerance,
		SendTimeout:        v.SendTimeout,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the voice controller.
func (a *App) Controller() *voice.Controller { return a.ctrl }

// Library returns the study library.
func (a *App) Library() *study.Library { return a.library }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig is the [config.Watcher] callback. It applies the log level
// immediately and the voice settings from the next connect. Every other
// change only takes effect after a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		a.ctrl.SetConfig(voiceConfig(new))
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on the configured listen address and blocks until
// ctx is cancelled or the server fails. On cancellation Run stops accepting
// requests, drains in-flight ones, and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tls := a.cfg.Server.TLS
		a.log.Info("app: listening", "addr", srv.Addr, "tls", tls != nil)
		var err error
		if tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Hijacked websocket connections are not tracked by the server.
		_ = a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
