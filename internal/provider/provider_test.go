package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStream_NextAndClose(t *testing.T) {
	chunks := []string{"a", "b"}
	closed := 0
	i := 0
	s := NewStream(func() (string, error) {
		if i == len(chunks) {
			return "", io.EOF
		}
		i++
		return chunks[i-1], nil
	}, func() error {
		closed++
		return nil
	})

	text, err := Collect(s)
	if err != nil || text != "ab" {
		t.Fatalf("Collect = %q, %v", text, err)
	}
	s.Close()
	if closed != 1 {
		t.Errorf("close should run exactly once, ran %d times", closed)
	}
}

func TestStream_Error(t *testing.T) {
	boom := errors.New("boom")
	s := NewStream(func() (string, error) { return "", boom }, nil)
	if s.Next() {
		t.Fatal("expected Next false")
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("expected boom, got %v", s.Err())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"refused", fmt.Errorf("dial: %w", errConnRefused()), ErrConnection},
		{"other", errors.New("weird"), ErrBackend},
		{"already classified", fmt.Errorf("%w: x", ErrTimeout), ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	if got := Classify(context.Canceled); got != context.Canceled {
		t.Errorf("cancellation must pass through, got %v", got)
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) must be nil")
	}
}

// errConnRefused dials a closed port to get a real refusal error.
func errConnRefused() error {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	_, err := http.Get(url)
	return err
}

func TestDescribe(t *testing.T) {
	if !strings.Contains(Describe(fmt.Errorf("%w: x", ErrConnection)), "cannot reach") {
		t.Error("connection errors need reachability guidance")
	}
	if !strings.Contains(Describe(fmt.Errorf("%w: x", ErrTimeout)), "too long") {
		t.Error("timeouts need slowness guidance")
	}
	if Describe(nil) != "" {
		t.Error("nil error describes as empty")
	}
}

func TestStub(t *testing.T) {
	p := NewStub("Hi", " there", "!")
	if p.Name() != "stub" {
		t.Errorf("Expected 'stub', got '%s'", p.Name())
	}

	text, err := p.Generate(context.Background(), Request{Prompt: "hello", System: "sys"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "Hi there!" || text != p.Reply() {
		t.Errorf("expected 'Hi there!', got %q", text)
	}
	reqs := p.Requests()
	if len(reqs) != 1 || reqs[0].System != "sys" {
		t.Errorf("unexpected recorded requests %+v", reqs)
	}
}

func TestStub_Cancelled(t *testing.T) {
	p := NewStub("a", "b")
	p.Delay = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := p.Stream(ctx, Request{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if s.Next() {
		t.Error("expected no chunks on a cancelled context")
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", s.Err())
	}
}

func TestStub_Errors(t *testing.T) {
	p := NewStub("a")
	p.OpenErr = fmt.Errorf("%w: refused", ErrConnection)
	if _, err := p.Stream(context.Background(), Request{}); !errors.Is(err, ErrConnection) {
		t.Errorf("expected open error, got %v", err)
	}

	p = NewStub("a")
	p.StreamErr = fmt.Errorf("%w: reset", ErrConnection)
	s, _ := p.Stream(context.Background(), Request{})
	text, err := Collect(s)
	if text != "a" || !errors.Is(err, ErrConnection) {
		t.Errorf("expected partial text and error, got %q %v", text, err)
	}
}

func TestOpenAI_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Hi", " there", "!"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p, err := NewOpenAI("test-key", server.URL, "gpt-4")
	if err != nil {
		t.Fatalf("NewOpenAI failed: %v", err)
	}
	s, err := p.Stream(context.Background(), Request{Prompt: "hi", System: "sys"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	text, err := Collect(s)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "Hi there!" {
		t.Errorf("expected 'Hi there!', got %q", text)
	}
}

func TestOpenAI_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"content": "hello", "role": "assistant"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p, _ := NewOpenAI("test-key", server.URL, "gpt-4")
	if p.Name() != "openai" {
		t.Errorf("Expected 'openai', got '%s'", p.Name())
	}
	text, err := p.Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "hello" {
		t.Errorf("Expected 'hello', got '%s'", text)
	}
}

func TestOpenAI_ZeroTemperatureIsSent(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices": [{"message": {"content": "ok", "role": "assistant"}}]}`))
	}))
	defer server.Close()

	p, _ := NewOpenAI("test-key", server.URL, "gpt-4")
	if _, err := p.Generate(context.Background(), Request{Prompt: "hi", Temperature: Temperature(0)}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	body := <-bodies
	temp, ok := body["temperature"].(float64)
	if !ok {
		t.Fatalf("temperature missing from request: %v", body)
	}
	if temp <= 0 || temp > 1e-6 {
		t.Errorf("expected a near-zero temperature, got %v", temp)
	}
}

func TestOpenAI_Errors(t *testing.T) {
	if _, err := NewOpenAI("", "", ""); err == nil {
		t.Error("Expected error for empty key")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	p, _ := NewOpenAI("key", server.URL, "")
	if _, err := p.Generate(context.Background(), Request{Prompt: "hi"}); !errors.Is(err, ErrBackend) {
		t.Errorf("expected ErrBackend, got %v", err)
	}
}

func TestAnthropic_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		for _, c := range []string{"Hi", " there", "!"} {
			fmt.Fprintf(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":%q}}\n\n", c)
		}
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	p, _ := NewAnthropic("test-key", "claude-3")
	p.SetBaseURL(server.URL)

	s, err := p.Stream(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	text, err := Collect(s)
	if err != nil || text != "Hi there!" {
		t.Errorf("expected 'Hi there!', got %q (%v)", text, err)
	}
}

func TestAnthropic_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			w.Write([]byte(`{"data":[]}`))
		case "/v1/messages":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{
				"id": "msg_123",
				"content": [{"type": "text", "text": "hello from claude"}],
				"usage": {"input_tokens": 5, "output_tokens": 5}
			}`))
		}
	}))
	defer server.Close()

	p, _ := NewAnthropic("test-key", "claude-3")
	p.SetBaseURL(server.URL + "/")
	if !p.CheckConnection(context.Background()) {
		t.Error("expected CheckConnection true")
	}
	text, err := p.Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "hello from claude" {
		t.Errorf("Expected 'hello from claude', got '%s'", text)
	}
}

func TestAnthropic_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	}))
	defer server.Close()

	p, _ := NewAnthropic("key", "")
	p.SetBaseURL(server.URL)
	if _, err := p.Stream(context.Background(), Request{Prompt: "hi"}); !errors.Is(err, ErrBackend) {
		t.Errorf("expected ErrBackend, got %v", err)
	}
	if p.CheckConnection(context.Background()) {
		t.Error("expected CheckConnection false on 401")
	}
}

func TestGemini_Name(t *testing.T) {
	if _, err := NewGemini(context.Background(), "", ""); err == nil {
		t.Error("Expected error for empty key")
	}
	// genai.NewClient does not connect immediately
	p, err := NewGemini(context.Background(), "fake-key", "gemini-pro")
	if err != nil {
		t.Logf("Skipping Gemini Name test due to client init error: %v", err)
		return
	}
	defer p.Close()
	if p.Name() != "gemini" || p.Model() != "gemini-pro" {
		t.Errorf("unexpected identity %s/%s", p.Name(), p.Model())
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     Config
		want    string
		wantErr bool
	}{
		{Config{}, "ollama", false},
		{Config{Name: "Ollama", BaseURL: "http://localhost:11434"}, "ollama", false},
		{Config{Name: "stub"}, "stub", false},
		{Config{Name: "openai", APIKey: "k"}, "openai", false},
		{Config{Name: "anthropic", APIKey: "k", BaseURL: "http://localhost:1"}, "anthropic", false},
		{Config{Name: "openai"}, "", true},
		{Config{Name: "llamafile"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Name, func(t *testing.T) {
			g, err := New(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %+v", tt.cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if g.Name() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, g.Name())
			}
		})
	}

	if !Known("") || !Known("gemini") || Known("llamafile") {
		t.Error("Known disagrees with New")
	}
}
