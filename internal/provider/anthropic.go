package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// Anthropic generates replies with the Anthropic messages API.
type Anthropic struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func NewAnthropic(apiKey, model string, opts ...Option) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	if model == "" {
		model = "claude-3-5-haiku-latest"
	}

	o := applyOptions(opts)
	return &Anthropic{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.anthropic.com",
		client:  o.client,
		timeout: o.timeout,
	}, nil
}

var _ Generator = (*Anthropic)(nil)

func (p *Anthropic) Name() string {
	return "anthropic"
}

func (p *Anthropic) Model() string {
	return p.model
}

// SetBaseURL allows overriding the API endpoint (useful for tests)
func (p *Anthropic) SetBaseURL(url string) {
	p.baseURL = strings.TrimRight(url, "/")
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Error   *anthropicError         `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicEvent covers the SSE payloads the stream cares about.
type anthropicEvent struct {
	Type  string          `json:"type"`
	Delta anthropicDelta  `json:"delta"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CheckConnection lists models, the cheapest authenticated call.
func (p *Anthropic) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	p.setHeaders(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal response: %v", ErrBackend, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrBackend, out.Error.Message)
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (p *Anthropic) Stream(ctx context.Context, req Request) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	guard := newStallGuard(p.timeout, cancel)

	resp, err := p.post(ctx, req, true)
	guard.disarm()
	if err != nil {
		cancel()
		return nil, guard.check(err, Classify)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFragmentSize)

	next := func() (string, error) {
		for {
			guard.arm()
			ok := scanner.Scan()
			guard.disarm()
			if !ok {
				if err := scanner.Err(); err != nil {
					return "", guard.check(err, Classify)
				}
				return "", io.EOF
			}

			data, found := strings.CutPrefix(scanner.Text(), "data:")
			if !found {
				continue
			}
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text != "" {
					return ev.Delta.Text, nil
				}
			case "message_stop":
				return "", io.EOF
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				return "", fmt.Errorf("%w: %s", ErrBackend, msg)
			}
		}
	}

	return NewStream(next, func() error {
		guard.disarm()
		cancel()
		return resp.Body.Close()
	}), nil
}

// post sends a messages request and returns the response when it is 200.
func (p *Anthropic) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       p.model,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   4096,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, Classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: anthropic api error %d: %s", ErrBackend, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp, nil
}

func (p *Anthropic) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}
