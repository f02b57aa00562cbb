package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true when any field of the voice section changed.
	// Voice settings apply from the next connect; a live session keeps the
	// settings it started with.
	VoiceChanged bool

	// RestartRequired lists the dotted paths of changed fields that only
	// take effect after a restart (listener, providers, material store).
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voice != new.Voice {
		d.VoiceChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !sameEntry(old.Providers.Live, new.Providers.Live) {
		d.RestartRequired = append(d.RestartRequired, "providers.live")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if !slices.EqualFunc(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks, sameEntry) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm_fallbacks")
	}
	if !sameEntry(old.Providers.Grounding, new.Providers.Grounding) {
		d.RestartRequired = append(d.RestartRequired, "providers.grounding")
	}
	if old.Providers.CircuitBreaker != new.Providers.CircuitBreaker {
		d.RestartRequired = append(d.RestartRequired, "providers.circuit_breaker")
	}
	if old.Materials != new.Materials {
		d.RestartRequired = append(d.RestartRequired, "materials")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}
