// Package gemini implements [grounding.Provider] on the Gemini API through
// google.golang.org/genai. Search answers use the Google Search tool and
// report the grounding chunks as sources.
//
//	p, err := gemini.New(ctx, apiKey, gemini.WithModel("gemini-2.5-flash"))
package gemini

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/elevated/pkg/provider/grounding"
	"github.com/MrWong99/elevated/pkg/provider/llm"
)

const (
	DefaultModel          = "gemini-2.5-flash"
	DefaultReasoningModel = "gemini-3-pro-preview"

	// reasoningBudget is the thinking token budget of deep searches.
	reasoningBudget = 2048
)

// ErrEmptyResponse is returned when the API answers without a candidate.
var ErrEmptyResponse = errors.New("grounding/gemini: no candidates in response")

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model for regular searches and image reading.
func WithModel(m string) Option {
	return func(p *Provider) { p.model = cmp.Or(m, p.model) }
}

// WithReasoningModel sets the model for deep searches.
func WithReasoningModel(m string) Option {
	return func(p *Provider) { p.reasoningModel = cmp.Or(m, p.reasoningModel) }
}

// WithBaseURL points the client at another endpoint, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider answers grounded requests through one genai client.
type Provider struct {
	client         *genai.Client
	model          string
	reasoningModel string
	baseURL        string
	httpClient     *http.Client
}

var _ grounding.Provider = (*Provider)(nil)

// New creates a Provider on the Gemini Developer API.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("grounding/gemini: apiKey must not be empty")
	}
	p := &Provider{model: DefaultModel, reasoningModel: DefaultReasoningModel}
	for _, o := range opts {
		o(p)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("grounding/gemini: create client: %w", err)
	}
	p.client = client
	return p, nil
}

// Search implements [grounding.Provider].
func (p *Provider) Search(ctx context.Context, req grounding.SearchRequest) (*grounding.SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("grounding/gemini: empty query")
	}
	model := p.model
	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	if req.Deep {
		model = p.reasoningModel
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](reasoningBudget)}
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(req.Query), cfg)
	if err != nil {
		return nil, fmt.Errorf("grounding/gemini: search: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}
	return &grounding.SearchResponse{
		Text:    resp.Text(),
		Sources: sources(resp.Candidates[0].GroundingMetadata),
		Usage:   usage(resp.UsageMetadata),
	}, nil
}

// ReadImage implements [grounding.Provider].
func (p *Provider) ReadImage(ctx context.Context, req grounding.ImageRequest) (*llm.CompletionResponse, error) {
	if len(req.Data) == 0 {
		return nil, errors.New("grounding/gemini: empty image")
	}
	parts := []*genai.Part{genai.NewPartFromBytes(req.Data, req.MIMEType)}
	if req.Prompt != "" {
		parts = append(parts, genai.NewPartFromText(req.Prompt))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("grounding/gemini: read image: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}
	return &llm.CompletionResponse{Content: resp.Text(), Usage: usage(resp.UsageMetadata)}, nil
}

// sources lists the web chunks of md, first occurrence of each URL only.
func sources(md *genai.GroundingMetadata) []grounding.Source {
	if md == nil {
		return nil
	}
	var out []grounding.Source
	seen := make(map[string]bool)
	for _, c := range md.GroundingChunks {
		if c == nil || c.Web == nil || c.Web.URI == "" || seen[c.Web.URI] {
			continue
		}
		seen[c.Web.URI] = true
		out = append(out, grounding.Source{
			Title:  cmp.Or(c.Web.Title, c.Web.Domain, c.Web.URI),
			URL:    c.Web.URI,
			Domain: c.Web.Domain,
		})
	}
	return out
}

func usage(u *genai.GenerateContentResponseUsageMetadata) llm.Usage {
	if u == nil {
		return llm.Usage{}
	}
	return llm.Usage{
		PromptTokens:     int(u.PromptTokenCount),
		CompletionTokens: int(u.CandidatesTokenCount),
		TotalTokens:      int(u.TotalTokenCount),
	}
}
