package provider

import (
	"context"
	"fmt"
	"strings"
)

// Names lists the backends New understands.
var Names = []string{"ollama", "openai", "gemini", "anthropic", "stub"}

// Config selects and configures a backend.
type Config struct {
	Name    string
	BaseURL string
	Model   string
	APIKey  string
}

// New builds the generator named by cfg.Name. An empty name means ollama.
func New(ctx context.Context, cfg Config, opts ...Option) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", "ollama":
		return NewOllama(cfg.BaseURL, cfg.Model, opts...)
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, opts...)
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model, opts...)
	case "anthropic":
		p, err := NewAnthropic(cfg.APIKey, cfg.Model, opts...)
		if err != nil {
			return nil, err
		}
		if cfg.BaseURL != "" {
			p.SetBaseURL(cfg.BaseURL)
		}
		return p, nil
	case "stub":
		return NewStub(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want one of %s)", cfg.Name, strings.Join(Names, ", "))
	}
}

// Known reports whether name is a backend New understands.
func Known(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return true
	}
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}
