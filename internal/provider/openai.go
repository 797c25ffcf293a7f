package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI generates replies with any OpenAI-compatible chat completion API.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAI(apiKey, baseURL, model string, opts ...Option) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	o := applyOptions(opts)
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	config.HTTPClient = o.client

	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(config),
		model:   model,
		timeout: o.timeout,
	}, nil
}

var _ Generator = (*OpenAI)(nil)

func (p *OpenAI) Name() string {
	return "openai"
}

func (p *OpenAI) Model() string {
	return p.model
}

func (p *OpenAI) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.client.ListModels(ctx)
	return err == nil
}

func (p *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, p.request(req, false))
	if err != nil {
		return "", p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrBackend)
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAI) Stream(ctx context.Context, req Request) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	guard := newStallGuard(p.timeout, cancel)

	stream, err := p.client.CreateChatCompletionStream(ctx, p.request(req, true))
	guard.disarm()
	if err != nil {
		cancel()
		return nil, guard.check(err, p.classify)
	}

	next := func() (string, error) {
		for {
			guard.arm()
			resp, err := stream.Recv()
			guard.disarm()
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			if err != nil {
				return "", guard.check(err, p.classify)
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			return resp.Choices[0].Delta.Content, nil
		}
	}

	return NewStream(next, func() error {
		guard.disarm()
		cancel()
		stream.Close()
		return nil
	}), nil
}

func (p *OpenAI) request(req Request, stream bool) openai.ChatCompletionRequest {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	r := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: msgs,
		Stream:   stream,
	}
	if req.Temperature != nil {
		r.Temperature = float32(*req.Temperature)
		// Temperature is omitempty in the client, so an exact zero would fall
		// back to the server default of 1.0.
		if r.Temperature == 0 {
			r.Temperature = math.SmallestNonzeroFloat32
		}
	}
	return r
}

func (p *OpenAI) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: openai returned %d: %s", ErrBackend, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= 400 {
		return fmt.Errorf("%w: openai returned %d", ErrBackend, reqErr.HTTPStatusCode)
	}
	return Classify(err)
}
