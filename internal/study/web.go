package study

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/elevated/pkg/provider/grounding"
	"github.com/MrWong99/elevated/pkg/provider/llm"
)

// ErrNoGrounding is returned by web search and image reading when no
// grounding backend is configured.
var ErrNoGrounding = errors.New("study: web search and image reading are not configured")

// ErrUnsupportedImage is returned for uploads that are not images.
var ErrUnsupportedImage = errors.New("study: not an image")

const imagePrompt = "Analyze this image. If it contains text, extract all of it. If it contains diagrams or formulas, explain them in detail."

// WebAnswer is an answer drawn from a live web search.
type WebAnswer struct {
	Answer  string             `json:"answer"`
	Sources []grounding.Source `json:"sources"`
}

// WebAnswer answers query from a web search. Deep reasoning routes it to the
// backend's reasoning model.
func (g *Generator) WebAnswer(ctx context.Context, query string, deepReasoning bool) (*WebAnswer, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyInput
	}
	if g.grounding == nil {
		return nil, ErrNoGrounding
	}
	var sources []grounding.Source
	text, err := g.observed(ctx, "grounding", "web_search", groundingModel(deepReasoning), func(ctx context.Context) (string, llm.Usage, error) {
		resp, err := g.grounding.Search(ctx, grounding.SearchRequest{Query: query, Deep: deepReasoning})
		if err != nil || resp == nil {
			return "", llm.Usage{}, err
		}
		sources = resp.Sources
		return resp.Text, resp.Usage, nil
	})
	if err != nil {
		return nil, err
	}
	if sources == nil {
		sources = []grounding.Source{}
	}
	return &WebAnswer{Answer: text, Sources: sources}, nil
}

// ReadImage extracts the text of an image and explains its diagrams and
// formulas, producing the content of an image material.
func (g *Generator) ReadImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyInput
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedImage, mimeType)
	}
	if g.grounding == nil {
		return "", ErrNoGrounding
	}
	return g.observed(ctx, "grounding", "image", groundingModel(false), func(ctx context.Context) (string, llm.Usage, error) {
		resp, err := g.grounding.ReadImage(ctx, grounding.ImageRequest{Data: data, MIMEType: mimeType, Prompt: imagePrompt})
		if err != nil || resp == nil {
			return "", llm.Usage{}, err
		}
		return resp.Content, resp.Usage, nil
	})
}

// groundingModel labels spans; the backend picks the concrete model.
func groundingModel(deep bool) string {
	if deep {
		return "grounding/reasoning"
	}
	return "grounding/fast"
}
