// ABOUTME: Gemini-backed Generator using the generative-ai-go client
// ABOUTME: Sends the wrapped prompt as a single GenerateContent call and joins text parts

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no model name is configured
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiGenerator calls the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGeminiGenerator creates a client for the given API key and model.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiGenerator{
		client: client,
		model:  model,
		logger: logger.With("component", "gemini", "model", model),
	}, nil
}

// Generate sends one prompt and returns the concatenated text of the first candidate.
func (g *GeminiGenerator) Generate(ctx context.Context, contextText, message string) (string, error) {
	model := g.client.GenerativeModel(g.model)

	resp, err := model.GenerateContent(ctx, genai.Text(BuildPrompt(contextText, message)))
	if err != nil {
		return "", &Error{Provider: "gemini", Err: err}
	}

	text := candidateText(resp)
	if strings.TrimSpace(text) == "" {
		return "", &Error{Provider: "gemini", Err: ErrEmptyResponse}
	}
	return text, nil
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	c := resp.Candidates[0]
	if c.Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range c.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// Close releases the underlying client.
func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}
