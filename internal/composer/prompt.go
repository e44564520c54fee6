// Package composer assembles grounding prompts for the LLM. Assembly is
// deterministic: system instructions first, then retrieved context chunks
// tagged with their source, then prior conversation turns in chronological
// order, then the current user message.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/semsearch/internal/llm"
)

const defaultBudgetTokens = 6000

const defaultSystemPrompt = "You are a helpful assistant. Answer the user's question using only the " +
	"retrieved documents below. Cite the document number when you use it. If the documents do not " +
	"contain the answer, say so instead of guessing."

// noContextMarker is injected when retrieval returned nothing, so the model
// is told explicitly rather than left to fabricate context.
const noContextMarker = "No relevant documents were found for this question."

// Chunk is a retrieved context fragment, ranked 1..k by descending
// similarity.
type Chunk struct {
	Text     string
	Category string
	Source   string
	Rank     int
}

// Turn is one prior user/assistant exchange.
type Turn struct {
	User string
	Bot  string
}

// Composer builds chat messages under an approximate token budget. When the
// assembled prompt would overflow, the oldest turns are dropped first, then
// the lowest-ranked chunks, preserving the most relevant and most recent
// material.
type Composer struct {
	SystemPrompt string
	BudgetTokens int
}

// New creates a Composer with the given token budget for the whole prompt.
// If budgetTokens <= 0, the default (6000) is used.
func New(budgetTokens int) *Composer {
	if budgetTokens <= 0 {
		budgetTokens = defaultBudgetTokens
	}
	return &Composer{
		SystemPrompt: defaultSystemPrompt,
		BudgetTokens: budgetTokens,
	}
}

// Compose assembles the message sequence for one generation call. chunks must
// already be ordered by rank; turns must be in chronological order.
func (c *Composer) Compose(chunks []Chunk, turns []Turn, userMessage string) []llm.Message {
	keptChunks := chunks
	keptTurns := turns

	for c.estimate(keptChunks, keptTurns, userMessage) > c.BudgetTokens {
		if len(keptTurns) > 0 {
			keptTurns = keptTurns[1:]
			continue
		}
		if len(keptChunks) > 0 {
			keptChunks = keptChunks[:len(keptChunks)-1]
			continue
		}
		break
	}

	messages := make([]llm.Message, 0, len(keptTurns)*2+2)
	messages = append(messages, llm.Message{Role: "system", Content: c.systemContent(keptChunks)})
	for _, t := range keptTurns {
		messages = append(messages, llm.Message{Role: "user", Content: t.User})
		messages = append(messages, llm.Message{Role: "assistant", Content: t.Bot})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})
	return messages
}

func (c *Composer) systemContent(chunks []Chunk) string {
	var sb strings.Builder
	sb.WriteString(c.SystemPrompt)
	sb.WriteString("\n\nRetrieved documents:\n")
	if len(chunks) == 0 {
		sb.WriteString(noContextMarker)
		sb.WriteString("\n")
		return sb.String()
	}
	for _, ch := range chunks {
		sb.WriteString(formatChunk(ch))
	}
	return sb.String()
}

func formatChunk(ch Chunk) string {
	tag := ch.Category
	if ch.Source != "" {
		if tag != "" {
			tag += ", "
		}
		tag += ch.Source
	}
	if tag == "" {
		tag = "unattributed"
	}
	return fmt.Sprintf("[%d] (%s)\n%s\n\n", ch.Rank, tag, ch.Text)
}

func (c *Composer) estimate(chunks []Chunk, turns []Turn, userMessage string) int {
	total := EstimateTokens(c.systemContent(chunks)) + EstimateTokens(userMessage)
	for _, t := range turns {
		total += EstimateTokens(t.User) + EstimateTokens(t.Bot)
	}
	return total
}

// EstimateTokens provides a rough token count using a 4 chars per token
// heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
