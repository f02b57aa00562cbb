// Package anyllm backs the study generators with any model reachable through
// github.com/mozilla-ai/any-llm-go: Gemini by default, or OpenAI, Anthropic,
// Ollama and the other backends it bundles.
//
//	p, err := anyllm.New("gemini", "gemini-2.5-flash", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// ErrEmptyResponse is returned when the backend answers without a choice.
var ErrEmptyResponse = errors.New("anyllm: empty choices in response")

type backendFunc func(...anyllmlib.Option) (anyllmlib.Provider, error)

// backends maps provider names to any-llm-go constructors. Without an API key
// option each constructor reads its usual environment variable.
var backends = map[string]backendFunc{
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Backends returns the supported provider names in sorted order.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Local reports whether name is a backend that runs on the user's machine
// and needs no API key.
func Local(name string) bool {
	switch name {
	case "ollama", "llamacpp", "llamafile":
		return true
	}
	return false
}

// families lists the models the study features are typically run with.
var families = []llm.ModelFamily{
	{Match: "gemini", Caps: llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsVision: true}},
	{Match: "gemini-2.5", Caps: llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 65_536, SupportsVision: true}},
	{Match: "gemini-3", Caps: llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 65_536, SupportsVision: true}},
	{Match: "gemini-1.5-pro", Caps: llm.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192, SupportsVision: true}},
	{Match: "gpt-4o", Caps: llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsVision: true}},
	{Match: "gpt-4.1", Caps: llm.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsVision: true}},
	{Match: "claude", Caps: llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192, SupportsVision: true}},
	{Match: "deepseek", Caps: llm.ModelCapabilities{ContextWindow: 64_000, MaxOutputTokens: 8_192}},
	{Match: "llama3", Caps: llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}},
}

// Provider implements [llm.Provider] on top of an any-llm-go backend.
type Provider struct {
	name    string
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for the named backend (see [Backends]) answering
// with model unless a request overrides it.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if name == "" {
		return nil, errors.New("anyllm: provider name must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	name = strings.ToLower(name)
	newBackend, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q (supported: %s)", name, strings.Join(Backends(), ", "))
	}
	backend, err := newBackend(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", name, err)
	}
	return &Provider{name: name, backend: backend, model: model}, nil
}

// Name returns the backend name.
func (p *Provider) Name() string { return p.name }

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens implements [llm.Provider] with [llm.EstimateTokens].
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.LookupCapabilities(p.model, families)
}

// buildParams places the system prompt ahead of the conversation and applies
// the per-request model, temperature and token limit.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{
		Model:    cmp.Or(req.Model, p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		params.MaxTokens = &n
	}
	return params
}
