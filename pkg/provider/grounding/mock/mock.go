// Package mock is a scriptable [grounding.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/elevated/pkg/provider/grounding"
	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// Provider records requests and answers with fixed responses. Configure the
// exported fields before the first call.
type Provider struct {
	mu sync.Mutex

	// SearchResponse answers Search. Nil yields an empty response.
	SearchResponse *grounding.SearchResponse
	SearchErr      error

	// ImageText is the Content of every ReadImage answer.
	ImageText string
	ImageErr  error

	SearchCalls []grounding.SearchRequest
	ImageCalls  []grounding.ImageRequest
}

var _ grounding.Provider = (*Provider)(nil)

// Search implements [grounding.Provider].
func (p *Provider) Search(ctx context.Context, req grounding.SearchRequest) (*grounding.SearchResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SearchCalls = append(p.SearchCalls, req)
	if p.SearchErr != nil {
		return nil, p.SearchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.SearchResponse == nil {
		return &grounding.SearchResponse{}, nil
	}
	resp := *p.SearchResponse
	resp.Sources = append([]grounding.Source(nil), p.SearchResponse.Sources...)
	return &resp, nil
}

// ReadImage implements [grounding.Provider].
func (p *Provider) ReadImage(ctx context.Context, req grounding.ImageRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ImageCalls = append(p.ImageCalls, req)
	if p.ImageErr != nil {
		return nil, p.ImageErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: p.ImageText}, nil
}

// Searches returns a snapshot of the recorded Search requests.
func (p *Provider) Searches() []grounding.SearchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]grounding.SearchRequest(nil), p.SearchCalls...)
}

// Images returns a snapshot of the recorded ReadImage requests.
func (p *Provider) Images() []grounding.ImageRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]grounding.ImageRequest(nil), p.ImageCalls...)
}
