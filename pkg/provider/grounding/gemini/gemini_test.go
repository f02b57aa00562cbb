package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/elevated/pkg/provider/grounding"
)

const searchAnswer = `{
  "candidates": [{
    "content": {"role": "model", "parts": [{"text": "Mitochondria produce most of the cell's ATP."}]},
    "finishReason": "STOP",
    "groundingMetadata": {
      "groundingChunks": [
        {"web": {"uri": "https://bio.example/atp", "title": "ATP synthesis", "domain": "bio.example"}},
        {"web": {"uri": "https://bio.example/atp", "title": "ATP synthesis again"}},
        {"retrievedContext": {"uri": "gs://bucket/doc"}},
        {"web": {"uri": "https://cells.example/mito", "domain": "cells.example"}}
      ]
    }
  }],
  "usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 9, "totalTokenCount": 16}
}`

const imageAnswer = `{
  "candidates": [{
    "content": {"role": "model", "parts": [{"text": "E = mc^2 relates energy and mass."}]},
    "finishReason": "STOP"
  }]
}`

// recorded is one request the fake API received.
type recorded struct {
	path string
	body string
}

// fakeAPI serves canned generateContent answers and records requests.
type fakeAPI struct {
	mu       sync.Mutex
	requests []recorded
	answer   string
	status   int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{path: r.URL.Path, body: string(body)})
	answer, status := f.answer, f.status
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error": {"code": 500, "message": "backend unavailable", "status": "INTERNAL"}}`)
		return
	}
	_, _ = io.WriteString(w, answer)
}

func (f *fakeAPI) last(t *testing.T) recorded {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request reached the server")
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestProvider(t *testing.T, api *fakeAPI) *Provider {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	p, err := New(context.Background(), "test-key",
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithModel("fast-model"),
		WithReasoningModel("deep-model"),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("New() with empty key returned nil error")
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		deep      bool
		wantModel string
		thinking  bool
	}{
		{name: "fast", wantModel: "fast-model"},
		{name: "deep", deep: true, wantModel: "deep-model", thinking: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := &fakeAPI{answer: searchAnswer}
			p := newTestProvider(t, api)

			resp, err := p.Search(context.Background(), grounding.SearchRequest{Query: "Where is ATP made?", Deep: tt.deep})
			if err != nil {
				t.Fatalf("Search() error: %v", err)
			}

			req := api.last(t)
			if !strings.Contains(req.path, "models/"+tt.wantModel+":generateContent") {
				t.Errorf("path = %q, want model %s", req.path, tt.wantModel)
			}
			if !strings.Contains(req.body, "googleSearch") {
				t.Errorf("request does not enable the search tool: %s", req.body)
			}
			if got := strings.Contains(req.body, "thinkingBudget"); got != tt.thinking {
				t.Errorf("thinking budget sent = %v, want %v", got, tt.thinking)
			}

			if resp.Text != "Mitochondria produce most of the cell's ATP." {
				t.Errorf("Text = %q", resp.Text)
			}
			want := []grounding.Source{
				{Title: "ATP synthesis", URL: "https://bio.example/atp", Domain: "bio.example"},
				{Title: "cells.example", URL: "https://cells.example/mito", Domain: "cells.example"},
			}
			if len(resp.Sources) != len(want) {
				t.Fatalf("Sources = %+v, want %+v", resp.Sources, want)
			}
			for i := range want {
				if resp.Sources[i] != want[i] {
					t.Errorf("Sources[%d] = %+v, want %+v", i, resp.Sources[i], want[i])
				}
			}
			if resp.Usage.TotalTokens != 16 || resp.Usage.PromptTokens != 7 {
				t.Errorf("Usage = %+v", resp.Usage)
			}
		})
	}
}

func TestSearch_Errors(t *testing.T) {
	t.Parallel()

	t.Run("empty query", func(t *testing.T) {
		t.Parallel()
		api := &fakeAPI{answer: searchAnswer}
		p := newTestProvider(t, api)
		if _, err := p.Search(context.Background(), grounding.SearchRequest{Query: "  "}); err == nil {
			t.Fatal("Search() returned nil error")
		}
		if n := api.count(); n != 0 {
			t.Errorf("empty query reached the API %d times", n)
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		t.Parallel()
		p := newTestProvider(t, &fakeAPI{answer: `{"candidates": []}`})
		_, err := p.Search(context.Background(), grounding.SearchRequest{Query: "q"})
		if !errors.Is(err, ErrEmptyResponse) {
			t.Errorf("Search() error = %v, want ErrEmptyResponse", err)
		}
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		p := newTestProvider(t, &fakeAPI{status: http.StatusInternalServerError})
		if _, err := p.Search(context.Background(), grounding.SearchRequest{Query: "q"}); err == nil {
			t.Fatal("Search() returned nil error")
		}
	})
}

func TestReadImage(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{answer: imageAnswer}
	p := newTestProvider(t, api)
	img := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}

	resp, err := p.ReadImage(context.Background(), grounding.ImageRequest{
		Data:     img,
		MIMEType: "image/png",
		Prompt:   "Extract all text.",
	})
	if err != nil {
		t.Fatalf("ReadImage() error: %v", err)
	}
	if resp.Content != "E = mc^2 relates energy and mass." {
		t.Errorf("Content = %q", resp.Content)
	}

	req := api.last(t)
	if !strings.Contains(req.path, "models/fast-model:generateContent") {
		t.Errorf("path = %q, want the fast model", req.path)
	}
	for _, want := range []string{base64.StdEncoding.EncodeToString(img), "image/png", "Extract all text."} {
		if !strings.Contains(req.body, want) {
			t.Errorf("request body missing %q: %s", want, req.body)
		}
	}
	if strings.Contains(req.body, "googleSearch") {
		t.Error("image request enabled the search tool")
	}

	if _, err := p.ReadImage(context.Background(), grounding.ImageRequest{MIMEType: "image/png"}); err == nil {
		t.Error("ReadImage() with no data returned nil error")
	}
}
