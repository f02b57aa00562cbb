// Command elevated is the main entry point for the Elevated study companion
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/elevated/internal/app"
	"github.com/MrWong99/elevated/internal/config"
	"github.com/MrWong99/elevated/internal/observe"
	"github.com/MrWong99/elevated/internal/resilience"
	"github.com/MrWong99/elevated/pkg/audio"
	"github.com/MrWong99/elevated/pkg/audio/device"
	"github.com/MrWong99/elevated/pkg/provider/grounding"
	groundinggemini "github.com/MrWong99/elevated/pkg/provider/grounding/gemini"
	"github.com/MrWong99/elevated/pkg/provider/live"
	"github.com/MrWong99/elevated/pkg/provider/live/gemini"
	"github.com/MrWong99/elevated/pkg/provider/llm"
	"github.com/MrWong99/elevated/pkg/provider/llm/anyllm"
	"github.com/MrWong99/elevated/pkg/provider/llm/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and voice settings when the config file changes or on SIGHUP")
	traceRatio := flag.Float64("trace-ratio", 1, "fraction of traces to sample")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "elevated: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "elevated: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("elevated starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "elevated",
		ServiceVersion: version,
		SampleRatio:    *traceRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(telemetry.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	providers, err := buildProviders(cfg, reg, logger, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithVersion(version),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-hup:
						w.Reload()
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	// ── Live ──────────────────────────────────────────────────────────────────
	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini-live requires providers.live.api_key")
		}
		opts := []gemini.Option{gemini.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, name := range anyllm.Backends() {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// Local backends take their address from base_url and no key.
			if entry.APIKey != "" && !anyllm.Local(name) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// Any server speaking the OpenAI chat completions API, hosted or local.
	reg.RegisterLLM("openai-compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Grounding ─────────────────────────────────────────────────────────────
	reg.RegisterGrounding("gemini", func(entry config.ProviderEntry) (grounding.Provider, error) {
		return groundinggemini.New(context.Background(), entry.APIKey,
			groundinggemini.WithModel(entry.Model),
			groundinggemini.WithReasoningModel(entry.ReasoningModel()),
			groundinggemini.WithBaseURL(entry.BaseURL),
		)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio(config.DeviceMalgo, func(config.VoiceConfig) (audio.Source, audio.Sink, error) {
		return device.NewMicrophone(), device.NewSpeaker(), nil
	})
	reg.RegisterAudio(config.DeviceNone, func(config.VoiceConfig) (audio.Source, audio.Sink, error) {
		return device.DisabledSource{}, device.DisabledSink{}, nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry, logger *slog.Logger, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Providers.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.Providers.CircuitBreaker.ResetTimeout,
		Logger:       logger,
		OnStateChange: func(name string, _, to resilience.State) {
			metrics.RecordCircuitTransition(context.Background(), name, to.String())
		},
	}

	p, err := reg.CreateLive(cfg.Providers.Live)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Providers.Live.Name, err)
	}
	ps.Live = resilience.NewLiveBreaker(p, breaker)
	logger.Info("provider created", "kind", "live", "name", cfg.Providers.Live.Name)

	llmEntries := append([]config.ProviderEntry{cfg.Providers.LLM}, cfg.Providers.LLMFallbacks...)
	var group *resilience.LLMFallback
	for _, entry := range llmEntries {
		if entry.Name == "" {
			continue
		}
		p, err := reg.CreateLLM(entry)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			logger.Warn("unknown llm provider, skipping", "name", entry.Name, "known", reg.LLMNames())
			continue
		case err != nil:
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		logger.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
		if group == nil {
			group = resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{
				CircuitBreaker: breaker,
				Logger:         logger,
			})
			continue
		}
		group.AddFallback(entry.Name, p)
	}
	if group != nil {
		ps.LLM = group
	} else {
		logger.Warn("no llm provider available, text generation disabled")
	}

	if g := cfg.Providers.Grounding; g.Name != "" {
		p, err := reg.CreateGrounding(g)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			logger.Warn("unknown grounding provider, skipping", "name", g.Name, "known", reg.GroundingNames())
		case err != nil:
			return nil, fmt.Errorf("create grounding provider %q: %w", g.Name, err)
		default:
			ps.Grounding = resilience.NewGroundingBreaker(p, breaker)
			logger.Info("provider created", "kind", "grounding", "name", g.Name, "model", g.Model)
		}
	}

	src, sink, err := reg.CreateAudio(cfg.Voice)
	if err != nil {
		return nil, fmt.Errorf("create audio devices %q: %w", cfg.Voice.Device, err)
	}
	ps.Source, ps.Sink = src, sink
	logger.Info("audio devices ready", "backend", cfg.Voice.Device)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Elevated startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", cfg.Providers.Live.Name+" / "+cfg.Voice.Voice)
	printRow("LLM", cfg.Providers.LLM.Name+" / "+cfg.Providers.LLM.Model)
	if rm := cfg.Providers.LLM.ReasoningModel(); rm != "" {
		printRow("Reasoning", rm)
	}
	for _, fb := range cfg.Providers.LLMFallbacks {
		printRow("LLM fallback", fb.Name+" / "+fb.Model)
	}
	if g := cfg.Providers.Grounding; g.Name != "" {
		printRow("Web search", g.Name)
	} else {
		printRow("Web search", "disabled")
	}
	printRow("Audio", string(cfg.Voice.Device))
	if cfg.Materials.PostgresDSN != "" {
		printRow("Materials", "postgres")
	} else {
		printRow("Materials", "in-memory")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
