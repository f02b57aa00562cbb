package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/elevated/internal/observe"
	"github.com/MrWong99/elevated/pkg/provider/grounding"
	"github.com/MrWong99/elevated/pkg/provider/llm"
)

const (
	// DefaultFastModel answers flashcard, quiz and regular chat requests.
	DefaultFastModel = "gemini-2.5-flash"

	// DefaultReasoningModel answers chat requests in deep reasoning mode.
	DefaultReasoningModel = "gemini-3-pro-preview"

	// DefaultFlashcardCount is the deck size when none is requested.
	DefaultFlashcardCount = 5

	// QuizQuestions is the number of questions per generated quiz.
	QuizQuestions = 5

	flashcardTextLimit = 40000
	quizTextLimit      = 30000
	chatContextLimit   = 100000

	// NotFoundAnswer is what the chat assistant says when the materials do
	// not cover a question.
	NotFoundAnswer = "I cannot find that information in your uploaded materials."
)

// ErrMalformedOutput is wrapped when the model's answer does not parse into
// the requested structure.
var ErrMalformedOutput = errors.New("study: malformed model output")

// ErrEmptyInput is returned when there is no text to generate from.
var ErrEmptyInput = errors.New("study: no source text")

// ErrNoLanguageModel is returned by the text features when no LLM is
// configured.
var ErrNoLanguageModel = errors.New("study: no language model configured")

// GeneratorOption is a functional option for [NewGenerator].
type GeneratorOption func(*Generator)

// WithModels overrides the fast and reasoning model names. Empty values keep
// the defaults.
func WithModels(fast, reasoning string) GeneratorOption {
	return func(g *Generator) {
		if fast != "" {
			g.fastModel = fast
		}
		if reasoning != "" {
			g.reasoningModel = reasoning
		}
	}
}

// WithGeneratorMetrics records LLM latency and request counts to m.
func WithGeneratorMetrics(m *observe.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// WithGrounding enables web search answers and image reading.
func WithGrounding(p grounding.Provider) GeneratorOption {
	return func(g *Generator) { g.grounding = p }
}

// WithGeneratorLogger sets the logger. Default [slog.Default].
func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.log = l }
}

// Generator produces flashcards, quizzes, chat answers, video study notes and
// web answers. Features whose backend is missing fail with
// [ErrNoLanguageModel] or [ErrNoGrounding].
type Generator struct {
	llm            llm.Provider
	grounding      grounding.Provider
	fastModel      string
	reasoningModel string
	metrics        *observe.Metrics
	log            *slog.Logger
}

// NewGenerator creates a generator backed by provider, which may be nil when
// only grounding is configured.
func NewGenerator(provider llm.Provider, opts ...GeneratorOption) *Generator {
	g := &Generator{
		llm:            provider,
		fastModel:      DefaultFastModel,
		reasoningModel: DefaultReasoningModel,
		log:            slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Flashcards generates count cards (default [DefaultFlashcardCount]) from text.
func (g *Generator) Flashcards(ctx context.Context, text string, count int) ([]Flashcard, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	if count <= 0 {
		count = DefaultFlashcardCount
	}
	prompt := fmt.Sprintf(`Create %d high-quality study flashcards based on the following text.
Focus on key concepts, definitions, and relationships.

Respond with only a JSON array of objects with the string fields "front" (the question or concept) and "back" (the answer or definition).

Text:
%s`, count, truncate(text, flashcardTextLimit))

	raw, err := g.complete(ctx, "flashcards", g.fastModel, "", prompt)
	if err != nil {
		return nil, err
	}

	var cards []Flashcard
	if err := decodeJSON(raw, &cards); err != nil {
		return nil, err
	}
	out := cards[:0]
	for _, c := range cards {
		if strings.TrimSpace(c.Front) == "" || strings.TrimSpace(c.Back) == "" {
			continue
		}
		c.ID = uuid.NewString()
		c.Difficulty = "new"
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable flashcards", ErrMalformedOutput)
	}
	return out, nil
}

// Quiz generates a [QuizQuestions]-question multiple-choice quiz from text.
func (g *Generator) Quiz(ctx context.Context, text string) ([]QuizQuestion, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	prompt := fmt.Sprintf(`Generate a %d-question multiple choice quiz based on this text.

Respond with only a JSON array of objects with the fields "question" (string), "options" (array of 4 strings), "correctAnswer" (index of the correct option, 0-3) and "explanation" (string).

Text:
%s`, QuizQuestions, truncate(text, quizTextLimit))

	raw, err := g.complete(ctx, "quiz", g.fastModel, "", prompt)
	if err != nil {
		return nil, err
	}

	var wire []struct {
		Question      string   `json:"question"`
		Options       []string `json:"options"`
		CorrectAnswer *int     `json:"correctAnswer"`
		Explanation   string   `json:"explanation"`
	}
	if err := decodeJSON(raw, &wire); err != nil {
		return nil, err
	}
	qs := make([]QuizQuestion, 0, len(wire))
	for i, w := range wire {
		if w.Question == "" || len(w.Options) < 2 || w.CorrectAnswer == nil ||
			*w.CorrectAnswer < 0 || *w.CorrectAnswer >= len(w.Options) {
			return nil, fmt.Errorf("%w: question %d is incomplete", ErrMalformedOutput, i)
		}
		qs = append(qs, QuizQuestion{
			ID:            uuid.NewString(),
			Question:      w.Question,
			Options:       w.Options,
			CorrectAnswer: *w.CorrectAnswer,
			Explanation:   w.Explanation,
		})
	}
	if len(qs) == 0 {
		return nil, fmt.Errorf("%w: empty quiz", ErrMalformedOutput)
	}
	return qs, nil
}

// Chat answers message strictly from materials, citing sources as
// [[Source Title | quote]]. Deep reasoning selects the reasoning model.
func (g *Generator) Chat(ctx context.Context, history []ChatMessage, message string, materials []Material, deepReasoning bool) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyInput
	}
	system := `You are Elevated, a serious, professional AI study assistant.
Your goal is to help the user learn from their provided materials.

STRICT RULE: You must answer ONLY based on the provided "Context Material".
If the answer is not in the material, state clearly: "` + NotFoundAnswer + `" and suggest searching the web.

CITATION RULE: When you state a fact from the text, you MUST cite the source using this EXACT format:
[[Source Title | exact quote substring from text]]

Example: The mitochondria is the powerhouse of the cell [[Biology Ch1.pdf | mitochondria is the powerhouse]].

Do not hallucinate facts not present in the text.

Context Material:
` + truncate(Context(materials), chatContextLimit)

	var conv strings.Builder
	for _, h := range history {
		conv.WriteString(strings.ToUpper(string(h.Role)))
		conv.WriteString(": ")
		conv.WriteString(h.Content)
		conv.WriteString("\n")
	}
	conv.WriteString("USER: ")
	conv.WriteString(message)
	conv.WriteString("\nMODEL:")

	model := g.fastModel
	if deepReasoning {
		model = g.reasoningModel
	}
	return g.complete(ctx, "chat", model, system, conv.String())
}

// complete runs one single-turn completion.
func (g *Generator) complete(ctx context.Context, kind, model, system, prompt string) (string, error) {
	if g.llm == nil {
		return "", ErrNoLanguageModel
	}
	msgs := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	if caps := g.llm.Capabilities(); caps.ContextWindow > 0 {
		if n, err := g.llm.CountTokens(append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, msgs...)); err == nil && n > caps.ContextWindow {
			g.log.Warn("study: prompt exceeds context window", "kind", kind, "tokens", n, "window", caps.ContextWindow)
		}
	}
	return g.observed(ctx, "llm", kind, model, func(ctx context.Context) (string, llm.Usage, error) {
		resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
			Messages:     msgs,
			SystemPrompt: system,
			Model:        model,
		})
		if err != nil || resp == nil {
			return "", llm.Usage{}, err
		}
		return resp.Content, resp.Usage, nil
	})
}

// observed runs one model call inside a span and records its latency and
// outcome. A blank answer is [ErrMalformedOutput].
func (g *Generator) observed(ctx context.Context, provider, kind, model string, call func(context.Context) (string, llm.Usage, error)) (_ string, err error) {
	ctx, span := observe.StartSpan(ctx, "study."+kind, trace.WithAttributes(
		observe.AttrLLMKind.String(kind),
		observe.AttrLLMModel.String(model),
	))
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	text, usage, err := call(ctx)
	g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, provider, kind, "error")
		return "", fmt.Errorf("study: %s: %w", kind, err)
	}
	if strings.TrimSpace(text) == "" {
		g.metrics.RecordProviderRequest(ctx, provider, kind, "empty")
		return "", fmt.Errorf("%w: empty %s response", ErrMalformedOutput, kind)
	}
	g.metrics.RecordProviderRequest(ctx, provider, kind, "ok")
	observe.Logger(ctx).Debug("study: completion", "kind", kind, "model", model,
		"prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens)
	return text, nil
}

// decodeJSON unmarshals a model answer, tolerating a surrounding Markdown
// code fence.
func decodeJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

// truncate returns at most n bytes of s without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
