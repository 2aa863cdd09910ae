package chat

import (
	"strings"

	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

const DefaultSystemPrompt = "You are a helpful AI assistant. Think carefully and accurately before responding. " +
	"Always respond in clear, correct English. Be precise and thoughtful in your answers."

type TruncationMode string

const (
	SlidingWindow TruncationMode = "sliding_window"
	LastN         TruncationMode = "last_n"
)

const systemLinePrefix = "System:"

// ContextBuilder renders conversation history into the single prompt string
// sent to the model, and trims it to a token budget.
type ContextBuilder struct {
	counter models.TokenCounter
}

func NewContextBuilder(counter models.TokenCounter) *ContextBuilder {
	return &ContextBuilder{counter: counter}
}

// Build renders a system line, the non-system history in order, the new
// prompt and a trailing assistant cue, one per line. An empty systemPrompt
// uses DefaultSystemPrompt.
func (b *ContextBuilder) Build(messages []models.Message, prompt, systemPrompt string) string {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	lines := make([]string, 0, len(messages)+3)
	lines = append(lines, systemLinePrefix+" "+systemPrompt)
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		lines = append(lines, m.Line())
	}
	lines = append(lines, "User: "+prompt, "Assistant:")

	return strings.Join(lines, "\n")
}

// Truncate returns context unchanged when it fits in maxTokens. Otherwise it
// keeps every system line and then as many of the most recent other lines as
// fit, walking back from the newest and stopping at the first line that does
// not fit. SlidingWindow and LastN behave identically; unknown modes are
// treated as LastN.
func (b *ContextBuilder) Truncate(context string, maxTokens int, mode TruncationMode) string {
	if b.counter.Count(context) <= maxTokens {
		return context
	}

	// both modes keep the newest lines that fit
	return b.keepRecent(context, maxTokens)
}

func (b *ContextBuilder) keepRecent(context string, maxTokens int) string {
	lines := strings.Split(context, "\n")

	var system, rest []string
	for _, line := range lines {
		if strings.HasPrefix(line, systemLinePrefix) {
			system = append(system, line)
		} else {
			rest = append(rest, line)
		}
	}

	remaining := maxTokens
	for _, line := range system {
		remaining -= b.counter.Count(line)
	}

	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		n := b.counter.Count(rest[i])
		if n > remaining {
			break
		}
		remaining -= n
		start = i
	}

	return strings.Join(append(system, rest[start:]...), "\n")
}
