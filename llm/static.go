package llm

import (
	"context"
	"fmt"
	"strings"
)

// StaticClient answers without a model: it lists the source headings found
// in the last user message. It keeps the service usable offline and gives
// tests a deterministic generator.
type StaticClient struct{}

func NewStaticClient() *StaticClient { return &StaticClient{} }

func (StaticClient) Generate(_ context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages provided")
	}

	var prompt string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			prompt = messages[i].Content
			break
		}
	}

	var sources []string
	for _, line := range strings.Split(prompt, "\n") {
		if heading, ok := strings.CutPrefix(strings.TrimSpace(line), "### "); ok {
			sources = append(sources, heading)
		}
	}
	if len(sources) == 0 {
		return "I could not find datasets related to your question in the catalogue.", nil
	}

	var b strings.Builder
	b.WriteString("These datasets look relevant to your question:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
