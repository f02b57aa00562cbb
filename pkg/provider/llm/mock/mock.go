// Package mock is a scriptable [llm.Provider] for study feature tests.
//
// A test either fixes one answer for every call:
//
//	p := &mock.Provider{CompleteResponse: mock.Reply(`[{"front":"Q","back":"A"}]`)}
//
// or queues answers that successive calls consume, which suits flows that
// make several completions (flashcards, then a quiz):
//
//	p := &mock.Provider{Replies: []string{cards, quiz}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider records every request and answers from its script. Configure the
// exported fields before the first call.
type Provider struct {
	mu sync.Mutex

	// Replies are consumed one per Complete call, ahead of CompleteResponse.
	Replies []string

	// CompleteResponse answers once Replies is exhausted. Nil yields an
	// empty response.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr fails every Complete call; Replies are not consumed.
	CompleteErr error

	// TokenCount overrides [llm.EstimateTokens] when non-zero.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities defaults to [llm.DefaultCapabilities] when zero.
	ModelCapabilities llm.ModelCapabilities

	CompleteCalls    []CompleteCall
	CountTokensCalls int
}

var _ llm.Provider = (*Provider)(nil)

// Reply wraps content in a completion response.
func Reply(content string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: content}
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.Replies) > 0 {
		next := p.Replies[0]
		p.Replies = p.Replies[1:]
		return Reply(next), nil
	}
	if p.CompleteResponse == nil {
		return &llm.CompletionResponse{}, nil
	}
	resp := *p.CompleteResponse
	return &resp, nil
}

// CountTokens implements [llm.Provider].
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls++
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	if p.TokenCount != 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelCapabilities == (llm.ModelCapabilities{}) {
		return llm.DefaultCapabilities
	}
	return p.ModelCapabilities
}

// Calls returns a snapshot of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Prompts returns the last user message of every recorded call, in order.
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.CompleteCalls))
	for _, c := range p.CompleteCalls {
		var last string
		for _, m := range c.Req.Messages {
			if m.Role == llm.RoleUser {
				last = m.Content
			}
		}
		out = append(out, last)
	}
	return out
}
