package chat

import (
	"fmt"
	"strings"

	"github.com/fabfab/datasearch/vectorindex"
)

const (
	fallbackListed  = 5
	fallbackSnippet = 160

	fallbackHeader = "The language model is unavailable. Here are relevant datasets based on semantic search:"
	fallbackFooter = "You can ask for details about any of these datasets or refine your query."
	fallbackEmpty  = "I could not generate a model response and found no relevant datasets for your question. Please refine your query with more specific terms."
)

// fallbackAnswer lists the top candidates directly when the generator could
// not produce an answer.
func fallbackAnswer(candidates []vectorindex.Candidate) string {
	if len(candidates) == 0 {
		return fallbackEmpty
	}

	var sb strings.Builder
	sb.WriteString(fallbackHeader)
	sb.WriteString("\n\n")
	for _, c := range candidates[:min(len(candidates), fallbackListed)] {
		fmt.Fprintf(&sb, "- %s (score: %.2f)", candidateTitle(c), c.Score)
		if snippet := snippetOf(c); snippet != "" {
			sb.WriteString(": ")
			sb.WriteString(snippet)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(fallbackFooter)
	return sb.String()
}

func snippetOf(c vectorindex.Candidate) string {
	text := strings.Join(strings.Fields(c.Payload.Text), " ")
	return truncateAtSentence(text, fallbackSnippet, fallbackSnippet/2)
}
