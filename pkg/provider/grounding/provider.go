// Package grounding covers the model calls that need more than text chat:
// answers backed by a live web search, and reading the text and diagrams out
// of an uploaded image. Backends live in subpackages.
package grounding

import (
	"context"

	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// Source is one web page a search answer drew on.
type Source struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Domain string `json:"domain,omitempty"`
}

// SearchRequest asks a question that is answered from a web search.
type SearchRequest struct {
	Query string

	// Deep routes the question to the backend's reasoning model with a
	// thinking budget.
	Deep bool
}

// SearchResponse is the answer and the pages it cites, in the order the
// backend reported them, without duplicates.
type SearchResponse struct {
	Text    string
	Sources []Source
	Usage   llm.Usage
}

// ImageRequest asks the model about one inline image.
type ImageRequest struct {
	Data     []byte
	MIMEType string
	Prompt   string
}

// Provider is a grounded model backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	ReadImage(ctx context.Context, req ImageRequest) (*llm.CompletionResponse, error)
}
