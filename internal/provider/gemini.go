package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Gemini generates replies with Google's Gemini models.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

func NewGemini(ctx context.Context, apiKey, model string, opts ...Option) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if model == "" {
		model = "gemini-1.5-flash"
	}

	o := applyOptions(opts)
	return &Gemini{
		client:  client,
		model:   model,
		timeout: o.timeout,
	}, nil
}

var _ Generator = (*Gemini)(nil)

func (p *Gemini) Name() string {
	return "gemini"
}

func (p *Gemini) Model() string {
	return p.model
}

// Close releases the underlying client.
func (p *Gemini) Close() error {
	return p.client.Close()
}

func (p *Gemini) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.client.GenerativeModel(p.model).Info(ctx)
	return err == nil
}

func (p *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.generativeModel(req).GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", Classify(err)
	}
	return responseText(resp), nil
}

func (p *Gemini) Stream(ctx context.Context, req Request) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	guard := newStallGuard(p.timeout, cancel)
	guard.disarm()

	iter := p.generativeModel(req).GenerateContentStream(ctx, genai.Text(req.Prompt))

	next := func() (string, error) {
		for {
			guard.arm()
			resp, err := iter.Next()
			guard.disarm()
			if errors.Is(err, iterator.Done) {
				return "", io.EOF
			}
			if err != nil {
				return "", guard.check(err, Classify)
			}
			if text := responseText(resp); text != "" {
				return text, nil
			}
		}
	}

	return NewStream(next, func() error {
		guard.disarm()
		cancel()
		return nil
	}), nil
}

func (p *Gemini) generativeModel(req Request) *genai.GenerativeModel {
	m := p.client.GenerativeModel(p.model)
	if req.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.Temperature != nil {
		m.SetTemperature(float32(*req.Temperature))
	}
	return m
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}
