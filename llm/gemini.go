package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
	config genai.GenerateContentConfig
}

// NewGeminiClient talks to the Gemini API. The model defaults to
// gemini-flash-latest.
func NewGeminiClient(ctx context.Context, opts Options) (Client, error) {
	model := opts.Model
	if model == "" {
		model = "gemini-flash-latest"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	c := &geminiClient{client: client, model: model}
	if opts.Temperature > 0 {
		c.config.Temperature = genai.Ptr(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		c.config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	return c, nil
}

func (c *geminiClient) Generate(ctx context.Context, messages []Message) (string, error) {
	system, contents := toGeminiContents(messages)
	config := c.config
	config.SystemInstruction = system

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, &config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && !transientStatus(apiErr.Code) {
			return "", fmt.Errorf("gemini generate content: %w", err)
		}
		return "", unavailable("gemini generate content", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", unavailable("generate", fmt.Errorf("gemini returned an empty response"))
	}
	return text, nil
}

// toGeminiContents moves system messages into the system instruction and
// maps the assistant role onto Gemini's "model".
func toGeminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser), contents
}
