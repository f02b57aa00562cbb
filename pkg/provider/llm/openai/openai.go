// Package openai talks to the OpenAI chat completions API and to servers that
// mimic it (vLLM, LM Studio, llama.cpp server). Point it at a self-hosted
// server with [WithBaseURL].
package openai

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// ErrEmptyResponse is returned when the server answers without a choice.
var ErrEmptyResponse = errors.New("openai: empty choices in response")

// Option adds a client setting.
type Option func(*settings)

type settings struct {
	baseURL string
	request []option.RequestOption
}

// WithBaseURL targets a self-hosted server instead of api.openai.com.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.baseURL = url
		s.request = append(s.request, option.WithBaseURL(url))
	}
}

// WithOrganization sends the OpenAI organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithOrganization(org)) }
}

// WithTimeout bounds every HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.request = append(s.request, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithMaxRetries lets the SDK retry on its own. The default is none, so
// failover stays with the caller's fallback chain.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.request = append(s.request, option.WithMaxRetries(n)) }
}

// Provider implements [llm.Provider] on the OpenAI SDK.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider answering with model. apiKey may only be empty for a
// self-hosted server.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	s := settings{request: []option.RequestOption{option.WithMaxRetries(0)}}
	for _, o := range opts {
		o(&s)
	}
	if apiKey == "" && s.baseURL == "" {
		return nil, errors.New("openai: apiKey must not be empty for the hosted API")
	}
	s.request = append(s.request, option.WithAPIKey(apiKey))
	return &Provider{client: oai.NewClient(s.request...), model: model}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	u := resp.Usage
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		},
	}, nil
}

// CountTokens implements [llm.Provider] with [llm.EstimateTokens].
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider]. Self-hosted models get
// [llm.DefaultCapabilities].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.LookupCapabilities(p.model, families)
}

var families = []llm.ModelFamily{
	{Match: "gpt-4o", Caps: llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsVision: true}},
	{Match: "gpt-4.1", Caps: llm.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsVision: true}},
	{Match: "gpt-5", Caps: llm.ModelCapabilities{ContextWindow: 400_000, MaxOutputTokens: 128_000, SupportsVision: true}},
	{Match: "o3", Caps: llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsVision: true}},
	{Match: "o3-mini", Caps: llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{Match: "o4-mini", Caps: llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(cmp.Or(req.Model, p.model)),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

var roleMessages = map[string]func(string) oai.ChatCompletionMessageParamUnion{
	llm.RoleSystem: func(s string) oai.ChatCompletionMessageParamUnion { return oai.SystemMessage(s) },
	llm.RoleUser:   func(s string) oai.ChatCompletionMessageParamUnion { return oai.UserMessage(s) },
	llm.RoleAssistant: func(s string) oai.ChatCompletionMessageParamUnion {
		return oai.AssistantMessage(s)
	},
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	build, ok := roleMessages[m.Role]
	if !ok {
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown role %q", m.Role)
	}
	return build(m.Content), nil
}
