package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/elevated/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		apiKey  string
		model   string
		opts    []Option
		wantErr string
	}{
		{name: "missing model", apiKey: "k", wantErr: "model"},
		{name: "missing key for hosted api", model: "gpt-4o", wantErr: "apiKey"},
		{name: "self-hosted without key", model: "qwen3", opts: []Option{WithBaseURL("http://localhost:8000/v1/")}},
		{name: "hosted with key", apiKey: "k", model: "gpt-4o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.apiKey, tt.model, tt.opts...)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("New() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: "system"},
		{role: "user"},
		{role: "assistant"},
		{role: "tool", wantErr: true},
	}
	for _, tt := range tests {
		msg, err := convertMessage(llm.Message{Role: tt.role, Content: "x"})
		if (err != nil) != tt.wantErr {
			t.Errorf("convertMessage(%q) error = %v, wantErr %v", tt.role, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		switch tt.role {
		case "system":
			if msg.OfSystem == nil {
				t.Error("system: OfSystem not set")
			}
		case "user":
			if msg.OfUser == nil {
				t.Error("user: OfUser not set")
			}
		case "assistant":
			if msg.OfAssistant == nil {
				t.Error("assistant: OfAssistant not set")
			}
		}
	}
}

// chatRequest is the subset of the chat completions request body the tests
// inspect.
type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"messages"`
}

func newTestServer(t *testing.T, status int, body string, got *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1760000000,
  "model": "qwen3",
  "choices": [{"index": 0, "finish_reason": "stop",
    "message": {"role": "assistant", "content": "Mitochondria make ATP."}}],
  "usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
}`

func TestComplete(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := newTestServer(t, http.StatusOK, completionBody, &got)
	p, err := New("", "qwen3", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are a tutor.",
		Messages:     []llm.Message{{Role: "user", Content: "What do mitochondria do?"}},
		Model:        "qwen3-large",
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != "Mitochondria make ATP." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 17 || resp.Usage.PromptTokens != 12 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if got.Model != "qwen3-large" {
		t.Errorf("request model = %q, want the per-request override", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("request messages = %+v", got.Messages)
	}
}

func TestComplete_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "api error",
			status:  http.StatusBadRequest,
			body:    `{"error": {"message": "bad model", "type": "invalid_request_error"}}`,
			wantErr: "openai: chat completion",
		},
		{
			name:    "no choices",
			status:  http.StatusOK,
			body:    `{"id": "x", "object": "chat.completion", "model": "m", "choices": []}`,
			wantErr: "empty choices",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, tt.status, tt.body, nil)
			p, err := New("k", "m", WithBaseURL(srv.URL+"/v1/"))
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			_, err = p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: "user", Content: "hi"}},
			})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Complete() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model      string
		wantWindow int
		wantVision bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"o4-mini", 200_000, false},
		{"gpt-5", 400_000, true},
		{"qwen3", 128_000, false},
	}
	for _, tt := range tests {
		caps := (&Provider{model: tt.model}).Capabilities()
		if caps.ContextWindow != tt.wantWindow || caps.SupportsVision != tt.wantVision {
			t.Errorf("Capabilities(%q) = %+v", tt.model, caps)
		}
	}
}
