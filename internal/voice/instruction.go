package voice

import (
	"strings"
)

// DefaultContextBudget is the maximum number of characters of study material
// embedded into the session instruction.
const DefaultContextBudget = 80000

// Material is one study source made available to the voice companion.
type Material struct {
	Title   string
	Content string
}

// BuildInstruction renders the system instruction for a voice session. The
// material block is "[Source: <title>]\n<content>" per material, joined by a
// blank line and cut to budget characters (runes). A budget ≤ 0 selects
// [DefaultContextBudget].
func BuildInstruction(materials []Material, deepReasoning bool, budget int) string {
	if budget <= 0 {
		budget = DefaultContextBudget
	}

	titles := make([]string, 0, len(materials))
	blocks := make([]string, 0, len(materials))
	for _, m := range materials {
		titles = append(titles, m.Title)
		blocks = append(blocks, "[Source: "+m.Title+"]\n"+m.Content)
	}
	titleList := strings.Join(titles, ", ")
	if titleList == "" {
		titleList = "None uploaded yet"
	}

	var b strings.Builder
	b.WriteString(`You are "Elevated", an advanced AI study companion.

YOUR IDENTITY:
- Name: Elevated.
- When asked your name, always reply "I am Elevated".

YOUR PERSONALITY:
- Warm, enthusiastic, and supportive. You are a partner in learning, not a cold robot.
- Friendly, casual, and encouraging (e.g., "Great job!", "Let's figure this out", "I've got you").
- If the user says "Hello", greet them warmly and immediately propose a topic based on their uploaded materials (Titles: `)
	b.WriteString(titleList)
	b.WriteString(`).
- Don't just lecture. Engage the user. Ask questions like "Does that make sense?" or "Want me to explain that differently?"
- If the user is silent at the start, wait for them, but be ready to offer help.

YOUR KNOWLEDGE BASE:
Use the provided CONTEXT MATERIALS below for your factual answers.
If a user asks something outside the materials, you can answer from your general knowledge but briefly mention "I'm answering from general knowledge as this isn't in your notes."

CONTEXT MATERIALS:
`)
	b.WriteString(truncateRunes(strings.Join(blocks, "\n\n"), budget))
	if deepReasoning {
		b.WriteString("\n\nMODE: Deep Reasoning. Provide detailed, comprehensive explanations with examples, but maintain the friendly, conversational persona.")
	}
	return b.String()
}

// truncateRunes returns at most n runes of s.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
