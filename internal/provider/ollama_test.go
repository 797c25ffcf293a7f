package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func ndjson(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		w.Write([]byte(line + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func collectChunks(t *testing.T, s *Stream) []string {
	t.Helper()
	defer s.Close()
	var chunks []string
	for s.Next() {
		chunks = append(chunks, s.Chunk())
	}
	return chunks
}

func TestOllama_Stream(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		ndjson(w,
			`{"response":"Hi","done":false}`,
			`{"response":" there","done":false}`,
			`{"response":"!","done":false}`,
			`{"response":"","done":true}`,
		)
	}))
	defer server.Close()

	p, err := NewOllama(server.URL, "llama2")
	if err != nil {
		t.Fatalf("NewOllama failed: %v", err)
	}

	s, err := p.Stream(context.Background(), Request{Prompt: "User: Hello", System: "be nice", Temperature: Temperature(0.7)})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	chunks := collectChunks(t, s)
	if s.Err() != nil {
		t.Fatalf("unexpected stream error: %v", s.Err())
	}
	if strings.Join(chunks, "|") != "Hi| there|!" {
		t.Errorf("unexpected chunks %q", chunks)
	}

	if got["model"] != "llama2" || got["prompt"] != "User: Hello" || got["system"] != "be nice" {
		t.Errorf("unexpected request body %v", got)
	}
	if got["stream"] != true {
		t.Errorf("expected stream=true, got %v", got["stream"])
	}
	opts, _ := got["options"].(map[string]any)
	if opts["temperature"] != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", opts["temperature"])
	}
}

func TestOllama_StreamSkipsMalformedLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjson(w,
			`{"response":"a","done":false}`,
			`{not json`,
			``,
			`{"response":"b","done":false}`,
			`{"response":"trailing","done":true}`,
			`{"response":"after done","done":false}`,
		)
	}))
	defer server.Close()

	p, _ := NewOllama(server.URL, "")
	s, err := p.Stream(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	chunks := collectChunks(t, s)
	if s.Err() != nil {
		t.Fatalf("malformed line must not fail the stream: %v", s.Err())
	}
	if strings.Join(chunks, "") != "ab" {
		t.Errorf("expected 'ab', got %q", chunks)
	}
	if s.Next() {
		t.Error("Next after the end must return false")
	}
}

func TestOllama_StreamSkipsOversizedFragment(t *testing.T) {
	huge := `{"response":"` + strings.Repeat("x", maxFragmentSize) + `","done":false}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjson(w,
			`{"response":"a","done":false}`,
			huge,
			`{"response":"b","done":false}`,
			`{"response":"","done":true}`,
		)
	}))
	defer server.Close()

	p, _ := NewOllama(server.URL, "")
	s, err := p.Stream(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	chunks := collectChunks(t, s)
	if s.Err() != nil {
		t.Fatalf("oversized line must not fail the stream: %v", s.Err())
	}
	if strings.Join(chunks, "") != "ab" {
		t.Errorf("expected 'ab', got %q", chunks)
	}
}

func TestFragmentReader(t *testing.T) {
	f := &fragmentReader{r: bufio.NewReaderSize(strings.NewReader("one\n"+strings.Repeat("z", 40)+"\nlast"), 16), max: 32}

	want := []struct {
		line      string
		oversized bool
	}{
		{"one\n", false},
		{"", true},
		{"last", false},
	}
	for i, w := range want {
		line, oversized, err := f.next()
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if string(line) != w.line || oversized != w.oversized {
			t.Errorf("line %d: got %q oversized=%v, want %q oversized=%v", i, line, oversized, w.line, w.oversized)
		}
	}
	if _, _, err := f.next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at the end, got %v", err)
	}
}

func TestOllama_StreamErrorFragment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"response":"a","done":false}`, `{"error":"model crashed"}`)
	}))
	defer server.Close()

	p, _ := NewOllama(server.URL, "")
	s, _ := p.Stream(context.Background(), Request{Prompt: "x"})
	collectChunks(t, s)
	if !errors.Is(s.Err(), ErrBackend) {
		t.Errorf("expected ErrBackend, got %v", s.Err())
	}
}

func TestOllama_StreamNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer server.Close()

	p, _ := NewOllama(server.URL, "nope")
	_, err := p.Stream(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
}

func TestOllama_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	p, _ := NewOllama(url, "")
	ctx := context.Background()

	if p.CheckConnection(ctx) {
		t.Error("expected CheckConnection false")
	}
	if _, err := p.Stream(ctx, Request{Prompt: "x"}); !errors.Is(err, ErrConnection) {
		t.Errorf("Stream: expected ErrConnection, got %v", err)
	}
	if _, err := p.Generate(ctx, Request{Prompt: "x"}); !errors.Is(err, ErrConnection) {
		t.Errorf("Generate: expected ErrConnection, got %v", err)
	}
}

func TestOllama_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p, _ := NewOllama(server.URL, "", WithTimeout(50*time.Millisecond))

	if _, err := p.Stream(context.Background(), Request{Prompt: "x"}); !errors.Is(err, ErrTimeout) {
		t.Errorf("Stream: expected ErrTimeout, got %v", err)
	}
	if _, err := p.Generate(context.Background(), Request{Prompt: "x"}); !errors.Is(err, ErrTimeout) {
		t.Errorf("Generate: expected ErrTimeout, got %v", err)
	}
}

func TestOllama_StreamStallsMidway(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"response":"partial","done":false}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	p, _ := NewOllama(server.URL, "", WithTimeout(50*time.Millisecond))
	s, err := p.Stream(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	chunks := collectChunks(t, s)
	if len(chunks) != 1 || chunks[0] != "partial" {
		t.Errorf("expected the partial chunk, got %q", chunks)
	}
	if !errors.Is(s.Err(), ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", s.Err())
	}
}

func TestOllama_EarlyCloseReleasesConnection(t *testing.T) {
	gone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"response":"first","done":false}`)
		<-r.Context().Done()
		close(gone)
	}))
	defer server.Close()

	p, _ := NewOllama(server.URL, "")
	s, err := p.Stream(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if !s.Next() || s.Chunk() != "first" {
		t.Fatalf("expected first chunk, got %q", s.Chunk())
	}
	s.Close()

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("server request was not released after Close")
	}
	if s.Next() {
		t.Error("Next after Close must return false")
	}
	if s.Err() != nil {
		t.Errorf("early close is not an error, got %v", s.Err())
	}
}

func TestOllama_ContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"response":"first","done":false}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p, _ := NewOllama(server.URL, "")
	s, _ := p.Stream(ctx, Request{Prompt: "x"})
	defer s.Close()

	s.Next()
	cancel()
	if s.Next() {
		t.Fatal("expected stream to end after cancel")
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", s.Err())
	}
}

func TestOllama_GenerateAndCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama2:latest"}]}`))
		case "/api/generate":
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			if req["stream"] != false {
				t.Errorf("expected stream=false, got %v", req["stream"])
			}
			w.Write([]byte(`{"response":"hi from ollama","done":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	p, _ := NewOllama(server.URL+"/", "llama2")
	if p.Name() != "ollama" || p.Model() != "llama2" {
		t.Errorf("unexpected identity %s/%s", p.Name(), p.Model())
	}
	if !p.CheckConnection(context.Background()) {
		t.Error("expected CheckConnection true")
	}

	text, err := p.Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "hi from ollama" {
		t.Errorf("expected 'hi from ollama', got %q", text)
	}
}

func TestOllama_CheckConnectionNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p, _ := NewOllama(server.URL, "")
	if p.CheckConnection(context.Background()) {
		t.Error("expected CheckConnection false for 503")
	}
}

func TestNewOllama_InvalidURL(t *testing.T) {
	if _, err := NewOllama("not a url", ""); err == nil {
		t.Error("expected error for invalid url")
	}
	p, err := NewOllama("", "")
	if err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if p.URL() != DefaultOllamaURL || p.Model() != DefaultOllamaModel {
		t.Errorf("unexpected defaults %s %s", p.URL(), p.Model())
	}
}
