package chat

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fabfab/datasearch/conversation"
	"github.com/fabfab/datasearch/knowledge"
	"github.com/fabfab/datasearch/llm"
	"github.com/fabfab/datasearch/vectorindex"
)

const systemPrompt = `You are a helpful dataset discovery assistant for the University of Manchester Environmental Data Centre. Your role is to help users discover and understand environmental datasets.

When answering questions:
1. Be accurate and cite the retrieved sources as [Source n] when you use them
2. Explain technical terms when needed
3. Suggest related datasets if relevant
4. If the retrieved information does not answer the question, say so
5. Be concise but thorough`

const noContext = "No relevant datasets found in the catalogue."

// PromptOptions bounds the assembled prompt. Character budgets count runes.
// Zero character and token budgets disable the corresponding limit; zero
// MaxHistoryTurns sends no history.
type PromptOptions struct {
	MaxHistoryTurns     int
	CandidateCharBudget int
	ContextCharBudget   int
	SentenceLookback    int
	TokenBudget         int
}

type promptBuilder struct {
	opts    PromptOptions
	counter llm.TokenCounter
}

// minBlockContent is the least candidate text worth sending. A lower ranked
// candidate that cannot get this much room in the context is dropped.
const minBlockContent = 80

// build assembles system prompt, history and the retrieved context. It
// returns the messages and how many candidates made it into the context;
// the included candidates are always a prefix of candidates, so the lowest
// ranked are dropped first. A block that does not fit whole is shortened to
// the remaining room, and the top candidate is always kept. Over the token
// budget the oldest history goes before any candidate.
func (b promptBuilder) build(history []conversation.Turn, candidates []vectorindex.Candidate, insights map[string]knowledge.DatasetInsight, message string) ([]llm.Message, int) {
	blocks := make([]string, 0, len(candidates))
	total := 0
	for i, c := range candidates {
		header := b.header(i+1, c, insights)
		text := strings.TrimSpace(c.Payload.Text)
		budget := b.opts.CandidateCharBudget

		// blocks are joined by a newline
		if len(blocks) > 0 {
			total++
		}
		if limit := b.opts.ContextCharBudget; limit > 0 {
			room := limit - total - utf8.RuneCountInString(header) - 1
			if room < minBlockContent {
				if len(blocks) > 0 {
					break
				}
				room = minBlockContent
			}
			if budget <= 0 || budget > room {
				budget = room
			}
		}

		block := header + truncateAtSentence(text, budget, b.opts.SentenceLookback) + "\n"
		blocks = append(blocks, block)
		total += utf8.RuneCountInString(block)
	}

	if b.opts.MaxHistoryTurns >= 0 && len(history) > b.opts.MaxHistoryTurns {
		history = history[len(history)-b.opts.MaxHistoryTurns:]
	}

	messages := assemble(history, blocks, message)
	if b.opts.TokenBudget <= 0 || b.counter == nil {
		return messages, len(blocks)
	}
	for llm.CountMessages(b.counter, messages) > b.opts.TokenBudget {
		switch {
		case len(history) > 0:
			history = history[1:]
		case len(blocks) > 1:
			blocks = blocks[:len(blocks)-1]
		default:
			return messages, len(blocks)
		}
		messages = assemble(history, blocks, message)
	}
	return messages, len(blocks)
}

func assemble(history []conversation.Turn, blocks []string, message string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, turn := range history {
		role := llm.RoleUser
		if turn.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}

	context := noContext
	if len(blocks) > 0 {
		context = strings.Join(blocks, "\n")
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "Based on the following retrieved information:\n\n" + context + "\n\n" + message,
	})
	return messages
}

// header renders everything of a context block up to and including the
// "Content:" line.
func (b promptBuilder) header(n int, c vectorindex.Candidate, insights map[string]knowledge.DatasetInsight) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Source %d: %s\n", n, candidateTitle(c))
	fmt.Fprintf(&sb, "Relevance: %.2f\n", c.Score)
	fmt.Fprintf(&sb, "Type: %s\n", c.SourceType)
	fmt.Fprintf(&sb, "ID: %s\n", c.ID)
	if c.SourceType == vectorindex.SourceDocumentChunk && c.Payload.SourceFile != "" {
		fmt.Fprintf(&sb, "File: %s\n", c.Payload.SourceFile)
	}
	if c.Payload.Keywords != "" {
		fmt.Fprintf(&sb, "Keywords: %s\n", c.Payload.Keywords)
	}
	if c.Payload.URL != "" {
		fmt.Fprintf(&sb, "URL: %s\n", c.Payload.URL)
	}
	if insight, ok := insights[c.Payload.DatasetID]; ok && c.SourceType == vectorindex.SourceDataset {
		writeInsight(&sb, insight)
	}
	sb.WriteString("Content:\n")
	return sb.String()
}

func writeInsight(sb *strings.Builder, insight knowledge.DatasetInsight) {
	if insight.DocumentCount > 0 {
		fmt.Fprintf(sb, "Supporting documents: %d (%d chunks indexed)\n", insight.DocumentCount, insight.ChunkCount)
	}
	if len(insight.Related) > 0 {
		titles := make([]string, 0, len(insight.Related))
		for _, r := range insight.Related {
			title := r.Title
			if title == "" {
				title = r.ID
			}
			titles = append(titles, title)
		}
		fmt.Fprintf(sb, "Related datasets: %s\n", strings.Join(titles, "; "))
	}
}

func candidateTitle(c vectorindex.Candidate) string {
	switch {
	case c.Payload.Title != "" && c.SourceType == vectorindex.SourceDocumentChunk && c.Payload.SourceFile != "":
		return c.Payload.Title + " / " + c.Payload.SourceFile
	case c.Payload.Title != "":
		return c.Payload.Title
	case c.Payload.SourceFile != "":
		return c.Payload.SourceFile
	default:
		return c.ID
	}
}

const ellipsis = "..."

// truncateAtSentence cuts text to at most budget runes, ellipsis included.
// When a sentence ends within the last lookback runes of the cut, the text
// ends there instead; failing that it ends at a word boundary.
func truncateAtSentence(text string, budget, lookback int) string {
	runes := []rune(text)
	if budget <= 0 || len(runes) <= budget {
		return text
	}

	cut := runes[:budget]
	for i := len(cut) - 1; i > max(0, len(cut)-lookback); i-- {
		if isSentenceEnd(cut[i]) && unicode.IsSpace(runes[i+1]) {
			return string(cut[:i+1])
		}
	}
	if budget <= len(ellipsis) {
		return string(cut)
	}

	// runes[i] is the rune right after the kept text
	cut = runes[:budget-len(ellipsis)]
	for i := len(cut); i > max(0, len(cut)-lookback); i-- {
		if unicode.IsSpace(runes[i]) {
			return strings.TrimRightFunc(string(runes[:i]), unicode.IsSpace) + ellipsis
		}
	}
	return string(cut) + ellipsis
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
