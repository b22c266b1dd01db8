package llm_client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const ollamaDefault = "phi4:latest"

type ollamaProvider struct {
	client *api.Client
	model  string
}

// newOllama uses cfg.OllamaHost when set and OLLAMA_HOST otherwise.
func newOllama(cfg Config) (*ollamaProvider, error) {
	var c *api.Client
	if host := strings.TrimSpace(cfg.OllamaHost); host != "" {
		u, err := url.Parse(host)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("ollama: bad host %q", host)
		}
		c = api.NewClient(u, http.DefaultClient)
	} else {
		var err error
		if c, err = api.ClientFromEnvironment(); err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
	}
	return &ollamaProvider{client: c, model: modelOrDefault(cfg.Model, ollamaDefault)}, nil
}

func (p *ollamaProvider) Name() string  { return "ollama" }
func (p *ollamaProvider) Model() string { return p.model }

func (p *ollamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	return p.generate(ctx, &api.GenerateRequest{Prompt: prompt})
}

func (p *ollamaProvider) GenerateJSON(ctx context.Context, prompt string, schema any) (string, error) {
	format := json.RawMessage(`"json"`)
	if schema != nil {
		b, err := json.Marshal(schema)
		if err != nil {
			return "", fmt.Errorf("ollama marshal schema: %w", err)
		}
		format = b
	}
	return p.generate(ctx, &api.GenerateRequest{
		Prompt: prompt + "\n\nReturn ONLY strict JSON. No extra text.",
		Format: format,
	})
}

func (p *ollamaProvider) generate(ctx context.Context, req *api.GenerateRequest) (string, error) {
	if p == nil || p.client == nil {
		return "", ErrNotInitialized
	}
	stream := false
	req.Model = p.model
	req.Stream = &stream
	var out strings.Builder
	if err := p.client.Generate(ctx, req, func(gr api.GenerateResponse) error {
		out.WriteString(gr.Response)
		return nil
	}); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return out.String(), nil
}
