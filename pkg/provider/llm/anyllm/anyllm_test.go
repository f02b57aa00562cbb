package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/elevated/pkg/provider/llm"
)

func TestBackends(t *testing.T) {
	t.Parallel()

	got := Backends()
	if !slices.IsSorted(got) {
		t.Errorf("Backends() = %v, want sorted", got)
	}
	for _, want := range []string{"gemini", "openai", "anthropic", "ollama"} {
		if !slices.Contains(got, want) {
			t.Errorf("Backends() missing %q", want)
		}
	}
	for _, name := range got {
		wantLocal := name == "ollama" || name == "llamacpp" || name == "llamafile"
		if Local(name) != wantLocal {
			t.Errorf("Local(%q) = %v, want %v", name, Local(name), wantLocal)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		opts     []anyllmlib.Option
		env      map[string]string
		wantErr  bool
	}{
		{name: "empty provider", provider: "", model: "gemini-2.5-flash", wantErr: true},
		{name: "empty model", provider: "gemini", model: "", wantErr: true},
		{name: "unknown provider", provider: "fakecloud", model: "m", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("k")}, wantErr: true},
		{name: "openai with key", provider: "openai", model: "gpt-4o", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{name: "case insensitive", provider: "OpenAI", model: "gpt-4o", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{name: "openai without key", provider: "openai", model: "gpt-4o", env: map[string]string{"OPENAI_API_KEY": ""}, wantErr: true},
		{name: "ollama needs no key", provider: "ollama", model: "llama3.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			p, err := New(tt.provider, tt.model, tt.opts...)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New() returned nil error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			if p.model != tt.model {
				t.Errorf("model = %q, want %q", p.model, tt.model)
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "gemini", model: "gemini-2.5-flash"}

	plain := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Answer from the materials only.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "What is ATP?"},
			{Role: llm.RoleAssistant, Content: "The energy currency of the cell."},
			{Role: llm.RoleUser, Content: "Where is it made?"},
		},
	})
	if len(plain.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(plain.Messages))
	}
	roles := []string{anyllmlib.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	for i, m := range plain.Messages {
		if m.Role != roles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, roles[i])
		}
	}
	if plain.Messages[3].ContentString() != "Where is it made?" {
		t.Errorf("last message = %q", plain.Messages[3].ContentString())
	}
	if plain.Model != "gemini-2.5-flash" {
		t.Errorf("model = %q, want configured model", plain.Model)
	}
	if plain.Temperature != nil || plain.MaxTokens != nil {
		t.Error("zero temperature and max tokens should be left unset")
	}

	deep := p.buildParams(llm.CompletionRequest{
		Model:       "gemini-3-pro-preview",
		Temperature: 0.2,
		MaxTokens:   2048,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Explain Krebs."}},
	})
	if deep.Model != "gemini-3-pro-preview" {
		t.Errorf("model = %q, want override", deep.Model)
	}
	if len(deep.Messages) != 1 {
		t.Errorf("messages = %d, want 1 without a system prompt", len(deep.Messages))
	}
	if deep.Temperature == nil || *deep.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", deep.Temperature)
	}
	if deep.MaxTokens == nil || *deep.MaxTokens != 2048 {
		t.Errorf("max tokens = %v, want 2048", deep.MaxTokens)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model     string
		window    int
		maxOutput int
		vision    bool
	}{
		{"gemini-2.5-flash", 1_048_576, 65_536, true},
		{"gemini-3-pro-preview", 1_048_576, 65_536, true},
		{"gemini-2.0-flash", 1_048_576, 8_192, true},
		{"gemini-1.5-pro", 2_097_152, 8_192, true},
		{"GPT-4o-mini", 128_000, 16_384, true},
		{"claude-sonnet-4-5", 200_000, 8_192, true},
		{"deepseek-chat", 64_000, 8_192, false},
		{"llama3.2", 128_000, 4_096, false},
		{"mystery-model", llm.DefaultCapabilities.ContextWindow, llm.DefaultCapabilities.MaxOutputTokens, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			caps := (&Provider{model: tt.model}).Capabilities()
			if caps.ContextWindow != tt.window || caps.MaxOutputTokens != tt.maxOutput || caps.SupportsVision != tt.vision {
				t.Errorf("Capabilities() = %+v, want window %d, output %d, vision %v",
					caps, tt.window, tt.maxOutput, tt.vision)
			}
		})
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gemini-2.5-flash"}
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "Photosynthesis converts light into chemical energy."},
		{Role: llm.RoleAssistant, Content: "Correct."},
	}
	got, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("CountTokens() error: %v", err)
	}
	if want := llm.EstimateTokens(msgs); got != want {
		t.Errorf("CountTokens() = %d, want %d", got, want)
	}
}
