// Package prompt assembles the text sent to the generation backend. Every
// function here is pure.
package prompt

import (
	"strings"

	"github.com/felixgeelhaar/wintermute/internal/memory"
	"github.com/felixgeelhaar/wintermute/internal/transcript"
)

const (
	// MaxMemories is how many retrieved memories reach the prompt.
	MaxMemories = 3
	// MaxConversation is how many recent messages reach the prompt.
	MaxConversation = 5

	memoryHeader       = "Relevant context:"
	conversationHeader = "Recent conversation:"
	bullet             = "- "
	blockSeparator     = "\n\n"
)

// BuildMemoryContext renders the first MaxMemories items, in the order the
// memory service ranked them. It returns "" when there are none.
func BuildMemoryContext(items []memory.Item) string {
	if len(items) == 0 {
		return ""
	}
	if len(items) > MaxMemories {
		items = items[:MaxMemories]
	}

	var sb strings.Builder
	sb.WriteString(memoryHeader)
	for _, it := range items {
		sb.WriteString("\n")
		sb.WriteString(bullet)
		sb.WriteString(it.Content)
	}
	return sb.String()
}

// BuildConversationContext renders the last MaxConversation messages,
// earliest first, as "Role: content" lines. It returns "" when there are none.
func BuildConversationContext(messages []transcript.Message) string {
	recent := transcript.Tail(messages, MaxConversation)
	if len(recent) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(conversationHeader)
	for _, m := range recent {
		sb.WriteString("\n")
		sb.WriteString(m.Role.Label())
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// BuildPrompt joins the non-empty context blocks and the user line with
// blank lines.
func BuildPrompt(userMessage, memoryContext, conversationContext string) string {
	parts := make([]string, 0, 3)
	if memoryContext != "" {
		parts = append(parts, memoryContext)
	}
	if conversationContext != "" {
		parts = append(parts, conversationContext)
	}
	parts = append(parts, "User: "+userMessage)
	return strings.Join(parts, blockSeparator)
}

// BuildSystemPrompt puts the global prompt ahead of the persona prompt. The
// global prompt is never dropped, even when empty.
func BuildSystemPrompt(globalPrompt, personaPrompt string) string {
	return globalPrompt + blockSeparator + personaPrompt
}

// Assembly is the fixed input for one generation.
type Assembly struct {
	Prompt string
	System string
	// Memories counts the items that made it into the prompt.
	Memories int
}

// Assemble runs every builder for one turn.
func Assemble(userMessage string, items []memory.Item, window []transcript.Message, globalPrompt, personaPrompt string) Assembly {
	return Assembly{
		Prompt:   BuildPrompt(userMessage, BuildMemoryContext(items), BuildConversationContext(window)),
		System:   BuildSystemPrompt(globalPrompt, personaPrompt),
		Memories: min(len(items), MaxMemories),
	}
}
