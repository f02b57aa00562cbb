package config

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/elevated/pkg/audio"
	"github.com/MrWong99/elevated/pkg/provider/grounding"
	"github.com/MrWong99/elevated/pkg/provider/live"
	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by the Create methods for a name with
// no factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

type (
	// LiveFactory builds a speech provider from its config entry.
	LiveFactory func(ProviderEntry) (live.Provider, error)
	// LLMFactory builds a text model provider from its config entry.
	LLMFactory func(ProviderEntry) (llm.Provider, error)
	// GroundingFactory builds a web search and image reading provider.
	GroundingFactory func(ProviderEntry) (grounding.Provider, error)
	// AudioFactory builds the microphone source and speaker sink of a device
	// backend.
	AudioFactory func(VoiceConfig) (audio.Source, audio.Sink, error)
)

// factories is one kind's name to factory table.
type factories[K cmp.Ordered, F any] struct {
	kind string
	byID map[K]F
}

func newFactories[K cmp.Ordered, F any](kind string) factories[K, F] {
	return factories[K, F]{kind: kind, byID: make(map[K]F)}
}

func (f factories[K, F]) lookup(id K) (F, error) {
	fn, ok := f.byID[id]
	if !ok {
		return fn, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, fmt.Sprint(id))
	}
	return fn, nil
}

func (f factories[K, F]) names() []K {
	return slices.Sorted(maps.Keys(f.byID))
}

// Registry maps the provider names used in config files to constructors.
// cmd/elevated fills it at startup; later registrations under the same name
// replace earlier ones. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	live  factories[string, LiveFactory]
	llm   factories[string, LLMFactory]
	grnd  factories[string, GroundingFactory]
	audio factories[DeviceBackend, AudioFactory]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		live:  newFactories[string, LiveFactory]("live"),
		llm:   newFactories[string, LLMFactory]("llm"),
		grnd:  newFactories[string, GroundingFactory]("grounding"),
		audio: newFactories[DeviceBackend, AudioFactory]("audio"),
	}
}

func (r *Registry) RegisterLive(name string, f LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.byID[name] = f
}

func (r *Registry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.byID[name] = f
}

func (r *Registry) RegisterGrounding(name string, f GroundingFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grnd.byID[name] = f
}

func (r *Registry) RegisterAudio(backend DeviceBackend, f AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio.byID[backend] = f
}

// LLMNames returns the registered LLM provider names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.names()
}

// LiveNames returns the registered speech provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live.names()
}

// CreateLive builds the speech provider named by entry.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	f, err := r.live.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateLLM builds the LLM provider named by entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, err := r.llm.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// GroundingNames returns the registered grounding provider names, sorted.
func (r *Registry) GroundingNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grnd.names()
}

// CreateGrounding builds the grounding provider named by entry.
func (r *Registry) CreateGrounding(entry ProviderEntry) (grounding.Provider, error) {
	r.mu.RLock()
	f, err := r.grnd.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateAudio builds the source and sink of cfg.Device.
func (r *Registry) CreateAudio(cfg VoiceConfig) (audio.Source, audio.Sink, error) {
	r.mu.RLock()
	f, err := r.audio.lookup(cfg.Device)
	r.mu.RUnlock()
	if err != nil {
		return nil, nil, err
	}
	return f(cfg)
}
