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
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/felixgeelhaar/wintermute/internal/observe"
)

const (
	// DefaultOllamaURL is where a local Ollama server listens.
	DefaultOllamaURL = "http://localhost:11434"
	// DefaultOllamaModel is used when no model is configured.
	DefaultOllamaModel = "llama2"

	maxFragmentSize = 1 << 20
)

// Ollama generates replies with a local Ollama server.
type Ollama struct {
	client   *api.Client
	http     *http.Client
	base     *url.URL
	model    string
	timeout  time.Duration
	observer *observe.Observer
}

// NewOllama creates a generator for the server at baseURL.
func NewOllama(baseURL, model string, opts ...Option) (*Ollama, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	uri, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || uri.Scheme == "" || uri.Host == "" {
		return nil, fmt.Errorf("invalid ollama url %q", baseURL)
	}

	o := applyOptions(opts)
	return &Ollama{
		client:   api.NewClient(uri, o.client),
		http:     o.client,
		base:     uri,
		model:    model,
		timeout:  o.timeout,
		observer: o.observer,
	}, nil
}

var _ Generator = (*Ollama)(nil)

func (p *Ollama) Name() string {
	return "ollama"
}

func (p *Ollama) Model() string {
	return p.model
}

// URL returns the server address.
func (p *Ollama) URL() string {
	return p.base.String()
}

// CheckConnection lists local models (GET /api/tags).
func (p *Ollama) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.client.List(ctx)
	return err == nil
}

func (p *Ollama) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var sb strings.Builder
	err := p.client.Generate(ctx, p.request(req, false), func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", p.classify(err)
	}
	return sb.String(), nil
}

// fragment is one line of the NDJSON stream. The server reports failures
// mid-stream as {"error": "..."}.
type fragment struct {
	api.GenerateResponse
	Error string `json:"error,omitempty"`
}

// Stream posts to /api/generate and decodes the newline-delimited reply.
// The timeout applies to the wait for each fragment, so a long reply that
// keeps producing text is never cut off.
func (p *Ollama) Stream(ctx context.Context, req Request) (*Stream, error) {
	body, err := json.Marshal(p.request(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	guard := newStallGuard(p.timeout, cancel)
	release := func() {
		guard.disarm()
		cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base.JoinPath("api", "generate").String(), bytes.NewReader(body))
	if err != nil {
		release()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		release()
		return nil, guard.check(err, Classify)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		release()
		return nil, fmt.Errorf("%w: ollama returned %d: %s", ErrBackend, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	frags := &fragmentReader{r: bufio.NewReader(resp.Body), max: maxFragmentSize}

	next := func() (string, error) {
		for {
			guard.arm()
			line, oversized, err := frags.next()
			guard.disarm()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return "", io.EOF
				}
				return "", guard.check(err, Classify)
			}
			if oversized {
				p.observer.Log().Debug().Int("limit", maxFragmentSize).Msg("skipping oversized stream fragment")
				continue
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var frag fragment
			if err := json.Unmarshal(line, &frag); err != nil {
				p.observer.Log().Debug().Err(err).Msg("skipping malformed stream fragment")
				continue
			}
			if frag.Error != "" {
				return "", fmt.Errorf("%w: %s", ErrBackend, frag.Error)
			}
			if frag.Done {
				return "", io.EOF
			}
			if frag.Response == "" {
				continue
			}
			return frag.Response, nil
		}
	}

	return NewStream(next, func() error {
		release()
		return resp.Body.Close()
	}), nil
}

// fragmentReader splits an NDJSON body into lines. A line longer than max
// is consumed whole and reported as oversized rather than failing the read.
type fragmentReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func (f *fragmentReader) next() (line []byte, oversized bool, err error) {
	f.buf = f.buf[:0]
	for {
		part, err := f.r.ReadSlice('\n')
		if !oversized {
			if len(f.buf)+len(part) > f.max {
				oversized = true
				f.buf = f.buf[:0]
			} else {
				f.buf = append(f.buf, part...)
			}
		}
		switch {
		case err == nil:
			return f.buf, oversized, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(f.buf) > 0 || oversized):
			return f.buf, oversized, nil
		default:
			return nil, false, err
		}
	}
}

func (p *Ollama) request(req Request, stream bool) *api.GenerateRequest {
	r := &api.GenerateRequest{
		Model:  p.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: &stream,
	}
	if req.Temperature != nil {
		r.Options = map[string]any{"temperature": *req.Temperature}
	}
	return r
}

func (p *Ollama) classify(err error) error {
	var status api.StatusError
	if errors.As(err, &status) {
		return fmt.Errorf("%w: ollama returned %d: %s", ErrBackend, status.StatusCode, status.ErrorMessage)
	}
	return Classify(err)
}
