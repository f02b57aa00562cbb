package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames are the backends each provider slot is known to accept.
// Other names only produce a warning.
var ValidProviderNames = map[string][]string{
	"live":      {"gemini-live"},
	"grounding": {"gemini"},
	"llm":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-compatible"},
}

const (
	minSampleRate = 8000
	maxSampleRate = 192000
)

// Load opens path and hands it to [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, rejecting unknown keys, then fills in
// defaults and validates. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field of cfg in one joined error. Zero values
// pass; [Config.ApplyDefaults] fills them.
func Validate(cfg *Config) error {
	var errs []error

	// ── server ──
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// ── providers ──
	warnUnknownProvider("live", cfg.Providers.Live.Name)
	warnUnknownProvider("llm", cfg.Providers.LLM.Name)
	warnUnknownProvider("grounding", cfg.Providers.Grounding.Name)
	if g := cfg.Providers.Grounding; g.Name != "" && g.APIKey == "" {
		errs = append(errs, errors.New("providers.grounding.api_key is required when providers.grounding.name is set"))
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		warnUnknownProvider("llm", fb.Name)
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("providers.circuit_breaker.max_failures %d must not be negative", cb.MaxFailures))
	}
	if cb := cfg.Providers.CircuitBreaker; cb.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("providers.circuit_breaker.reset_timeout %s must not be negative", cb.ResetTimeout))
	}
	if cfg.Providers.Live.Name != "" && cfg.Providers.Live.APIKey == "" {
		slog.Warn("providers.live.api_key is empty; voice sessions will be rejected by the service")
	}

	// ── voice ──
	v := cfg.Voice
	errs = append(errs, checkRate("voice.capture_sample_rate", v.CaptureSampleRate)...)
	errs = append(errs, checkRate("voice.playback_sample_rate", v.PlaybackSampleRate)...)
	if v.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("voice.block_size %d must be positive", v.BlockSize))
	}
	if v.ContextBudget < 0 {
		errs = append(errs, fmt.Errorf("voice.context_budget %d must be positive", v.ContextBudget))
	}
	if v.SpeakingTolerance < 0 {
		errs = append(errs, fmt.Errorf("voice.speaking_tolerance %s must not be negative", v.SpeakingTolerance))
	}
	if v.SendTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.send_timeout %s must not be negative", v.SendTimeout))
	}
	if v.Device != "" && !v.Device.IsValid() {
		errs = append(errs, fmt.Errorf("voice.device %q is invalid; valid values: malgo, none", v.Device))
	}

	// ── materials ──
	if cfg.Materials.PostgresDSN == "" {
		slog.Warn("materials.postgres_dsn is empty; study materials are kept in memory only")
	}

	return errors.Join(errs...)
}

func checkRate(field string, hz int) []error {
	if hz == 0 {
		return nil
	}
	if hz < minSampleRate || hz > maxSampleRate {
		return []error{fmt.Errorf("%s %d is out of range [%d, %d]", field, hz, minSampleRate, maxSampleRate)}
	}
	return nil
}

func warnUnknownProvider(kind, name string) {
	known := ValidProviderNames[kind]
	if name == "" || known == nil || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
