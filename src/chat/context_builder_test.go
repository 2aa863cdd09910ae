package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vatsalvatsyayan/pocketllm/src/models"
	"github.com/vatsalvatsyayan/pocketllm/src/utils"
)

// wordCounter counts whitespace-separated words, which keeps budgets easy to
// reason about in tests.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func TestBuild_EmptyHistory(t *testing.T) {
	b := NewContextBuilder(wordCounter{})

	got := b.Build(nil, "Hi", "")
	assert.Equal(t, "System: "+DefaultSystemPrompt+"\nUser: Hi\nAssistant:", got)
}

func TestBuild_RendersHistoryInOrderAndSkipsSystem(t *testing.T) {
	b := NewContextBuilder(wordCounter{})
	history := []models.Message{
		{Role: models.RoleSystem, Content: "ignored"},
		{Role: models.RoleUser, Content: "What is 2+2?"},
		{Role: models.RoleAssistant, Content: "4"},
	}

	got := b.Build(history, "And 3+3?", "Be brief.")
	assert.Equal(t, "System: Be brief.\nUser: What is 2+2?\nAssistant: 4\nUser: And 3+3?\nAssistant:", got)
}

func TestTruncate_NoopWithinBudget(t *testing.T) {
	b := NewContextBuilder(wordCounter{})
	ctx := "System: x\nUser: hi\nAssistant:"

	assert.Equal(t, ctx, b.Truncate(ctx, 100, SlidingWindow))
}

func TestTruncate_KeepsSystemAndNewestLines(t *testing.T) {
	b := NewContextBuilder(wordCounter{})
	ctx := strings.Join([]string{
		"System: be nice",      // 3
		"User: one two three",  // 4
		"Assistant: four five", // 3
		"User: six",            // 2
		"Assistant:",           // 1
	}, "\n")

	got := b.Truncate(ctx, 7, SlidingWindow)
	assert.Equal(t, "System: be nice\nUser: six\nAssistant:", got)
}

func TestTruncate_StopsAtFirstLineThatDoesNotFit(t *testing.T) {
	b := NewContextBuilder(wordCounter{})
	ctx := strings.Join([]string{
		"System: s",                          // 2
		"User: a",                            // 2
		"Assistant: b c d e f g h i j k l m", // 13
		"User: z",                            // 2
		"Assistant:",                         // 1
	}, "\n")

	// budget allows "User: a" after the long line, but the walk stops at the long line
	got := b.Truncate(ctx, 8, LastN)
	assert.Equal(t, "System: s\nUser: z\nAssistant:", got)
}

func TestTruncate_ModesAreEquivalent(t *testing.T) {
	b := NewContextBuilder(wordCounter{})
	ctx := "System: s\nUser: a b c\nAssistant: d e f\nUser: g\nAssistant:"

	sw := b.Truncate(ctx, 6, SlidingWindow)
	assert.Equal(t, sw, b.Truncate(ctx, 6, LastN))
	assert.Equal(t, sw, b.Truncate(ctx, 6, TruncationMode("something_else")))
}

func TestTruncate_NeverDropsSystemLine(t *testing.T) {
	b := NewContextBuilder(wordCounter{})
	ctx := "System: a very long system prompt here\nUser: hi\nAssistant:"

	got := b.Truncate(ctx, 2, SlidingWindow)
	assert.True(t, strings.HasPrefix(got, "System: a very long system prompt here"))
}

func TestTruncate_StaysNearBudget(t *testing.T) {
	b := NewContextBuilder(utils.NewEstimatingCounter())
	var history []models.Message
	for i := 0; i < 200; i++ {
		history = append(history,
			models.Message{Role: models.RoleUser, Content: "tell me something interesting about the ocean"},
			models.Message{Role: models.RoleAssistant, Content: "the ocean covers most of the planet surface"},
		)
	}
	full := b.Build(history, "and the moon?", "")

	counter := utils.NewEstimatingCounter()
	got := b.Truncate(full, 256, SlidingWindow)

	longestLine := counter.Count("Assistant: the ocean covers most of the planet surface")
	assert.LessOrEqual(t, counter.Count(got), 256+longestLine)
	assert.True(t, strings.HasSuffix(got, "User: and the moon?\nAssistant:"))
}
