package llm_client

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

const geminiDefault = "gemini-2.0-flash"

type geminiProvider struct {
	client *genai.Client
	model  string
}

func newGemini(cfg Config) (*geminiProvider, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	model := modelOrDefault(cfg.Model, geminiDefault)
	if !strings.HasPrefix(strings.ToLower(model), "gemini-") {
		return nil, fmt.Errorf("gemini: unsupported model %q", model)
	}
	c, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}
	return &geminiProvider{client: c, model: model}, nil
}

func (p *geminiProvider) Name() string  { return "gemini" }
func (p *geminiProvider) Model() string { return p.model }

func (p *geminiProvider) Generate(ctx context.Context, prompt string) (string, error) {
	return p.generate(ctx, prompt, nil)
}

func (p *geminiProvider) GenerateJSON(ctx context.Context, prompt string, schema any) (string, error) {
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if schema != nil {
		cfg.ResponseJsonSchema = schema
	}
	return p.generate(ctx, prompt, cfg)
}

func (p *geminiProvider) generate(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	if p == nil || p.client == nil {
		return "", ErrNotInitialized
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini: empty response")
	}
	return text, nil
}
