package llm

import (
	"strings"
	"unicode/utf8"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat with the model.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the text of the message.
	Content string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool
}

// DefaultCapabilities is assumed for models no family table knows.
var DefaultCapabilities = ModelCapabilities{
	ContextWindow:   128_000,
	MaxOutputTokens: 4_096,
}

// ModelFamily maps a model name fragment to the capabilities of every model
// whose name contains it.
type ModelFamily struct {
	Match string
	Caps  ModelCapabilities
}

// LookupCapabilities returns the capabilities of the family with the longest
// Match contained in model (case-insensitive), or [DefaultCapabilities].
func LookupCapabilities(model string, families []ModelFamily) ModelCapabilities {
	lower := strings.ToLower(model)
	best, bestLen := DefaultCapabilities, 0
	for _, f := range families {
		if len(f.Match) > bestLen && strings.Contains(lower, f.Match) {
			best, bestLen = f.Caps, len(f.Match)
		}
	}
	return best
}

// perMessageTokens covers role markers and formatting around each message.
const perMessageTokens = 4

// EstimateTokens approximates the prompt size of messages at one token per
// three characters. It errs high for English text.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (utf8.RuneCountInString(m.Content)+2)/3 + perMessageTokens
	}
	return total
}
