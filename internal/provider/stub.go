package provider

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// Stub is a scripted generator for demos and tests. Every call replays
// Chunks, pausing Delay before each one.
type Stub struct {
	Chunks []string
	Delay  time.Duration

	// OpenErr fails Generate and Stream before any chunk is produced.
	OpenErr error
	// StreamErr ends the stream with an error after all chunks were sent.
	StreamErr error
	// Offline makes CheckConnection report false.
	Offline bool

	mu       sync.Mutex
	requests []Request
}

// NewStub returns a stub that replays chunks.
func NewStub(chunks ...string) *Stub {
	if len(chunks) == 0 {
		chunks = []string{"I", " am", " listening", "."}
	}
	return &Stub{Chunks: chunks}
}

var _ Generator = (*Stub)(nil)

func (s *Stub) Name() string {
	return "stub"
}

func (s *Stub) Model() string {
	return "scripted"
}

func (s *Stub) CheckConnection(ctx context.Context) bool {
	return !s.Offline
}

func (s *Stub) Generate(ctx context.Context, req Request) (string, error) {
	stream, err := s.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	return Collect(stream)
}

func (s *Stub) Stream(ctx context.Context, req Request) (*Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.OpenErr != nil {
		return nil, s.OpenErr
	}

	ctx, cancel := context.WithCancel(ctx)
	chunks := append([]string(nil), s.Chunks...)
	i := 0
	next := func() (string, error) {
		if s.Delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return "", err
		}
		if i >= len(chunks) {
			if s.StreamErr != nil {
				return "", s.StreamErr
			}
			return "", io.EOF
		}
		i++
		return chunks[i-1], nil
	}
	return NewStream(next, func() error {
		cancel()
		return nil
	}), nil
}

// Requests returns every request the stub has received.
func (s *Stub) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Reply is the full text the stub produces.
func (s *Stub) Reply() string {
	return strings.Join(s.Chunks, "")
}
