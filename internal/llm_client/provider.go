// Package llm_client talks to the language model backends used for planning
// and research synthesis.
package llm_client

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotInitialized = errors.New("llm client not initialized")

type Config struct {
	Backend    string
	Model      string
	OllamaHost string
}

type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, prompt string) (string, error)
	// GenerateJSON constrains the reply to JSON, matching schema when given.
	GenerateJSON(ctx context.Context, prompt string, schema any) (string, error)
}

// New builds the provider named by cfg.Backend; gemini when empty.
func New(cfg Config) (Provider, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "gemini":
		return newGemini(cfg)
	case "ollama":
		return newOllama(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM backend: %s", backend)
	}
}

var active Provider

// Init sets the process-wide provider.
func Init(cfg Config) error {
	p, err := New(cfg)
	if err != nil {
		return err
	}
	active = p
	return nil
}

func Active() Provider { return active }

func ActiveBackend() string {
	if active == nil {
		return ""
	}
	return active.Name()
}

func Generate(ctx context.Context, prompt string) (string, error) {
	if active == nil {
		return "", ErrNotInitialized
	}
	return active.Generate(ctx, prompt)
}

func GenerateJSON(ctx context.Context, prompt string, schema any) (string, error) {
	if active == nil {
		return "", ErrNotInitialized
	}
	return active.GenerateJSON(ctx, prompt, schema)
}

// StripFences removes a markdown code fence wrapped around a model reply.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func modelOrDefault(model, def string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return def
}
