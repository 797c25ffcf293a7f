package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/felixgeelhaar/wintermute/internal/observe"
)

var (
	// ErrConnection means the backend could not be reached at all.
	ErrConnection = errors.New("generation backend unreachable")
	// ErrTimeout means the backend was reached but did not answer in time.
	ErrTimeout = errors.New("generation backend timed out")
	// ErrBackend means the backend answered with an error.
	ErrBackend = errors.New("generation backend error")
)

// DefaultTimeout bounds each generation request.
const DefaultTimeout = 30 * time.Second

// Request is a single generation call.
type Request struct {
	Prompt string
	System string
	// Temperature is nil when the backend default should apply.
	Temperature *float64
}

// Temperature returns a pointer suitable for Request.Temperature.
func Temperature(v float64) *float64 {
	return &v
}

// Generator defines the interface for LLM backends.
type Generator interface {
	// Name returns the backend identifier (e.g., "ollama", "openai").
	Name() string

	// Model returns the model the backend generates with.
	Model() string

	// CheckConnection reports whether the backend answers its status probe.
	CheckConnection(ctx context.Context) bool

	// Generate blocks until the full reply is available.
	Generate(ctx context.Context, req Request) (string, error)

	// Stream opens a streaming generation. The caller must Close the stream.
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Stream is a finite, forward-only sequence of reply chunks.
//
//	s, err := gen.Stream(ctx, req)
//	if err != nil { ... }
//	defer s.Close()
//	for s.Next() {
//		fmt.Print(s.Chunk())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	next  func() (string, error)
	close func() error

	chunk  string
	err    error
	done   bool
	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewStream builds a stream from a chunk source. next returns io.EOF when the
// sequence ends; close releases the underlying connection.
func NewStream(next func() (string, error), close func() error) *Stream {
	if close == nil {
		close = func() error { return nil }
	}
	return &Stream{next: next, close: close}
}

// Next advances to the next chunk. It returns false at the end of the
// sequence or on error, after which the stream is closed.
func (s *Stream) Next() bool {
	if s.done || s.closed.Load() {
		return false
	}
	chunk, err := s.next()
	if err != nil {
		s.done = true
		s.chunk = ""
		// A read interrupted by Close is an early stop, not a failure.
		if !errors.Is(err, io.EOF) && !s.closed.Load() {
			s.err = err
		}
		s.Close()
		return false
	}
	s.chunk = chunk
	return true
}

// Chunk returns the chunk produced by the last call to Next.
func (s *Stream) Chunk() string {
	return s.chunk
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the stream. It is safe to call more than once and from a
// goroutine other than the one calling Next.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.close()
	})
	return s.closeErr
}

// Collect drains s and returns the concatenated reply.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	var out []byte
	for s.Next() {
		out = append(out, s.Chunk()...)
	}
	return string(out), s.Err()
}

// Option configures a generator.
type Option func(*options)

type options struct {
	timeout  time.Duration
	client   *http.Client
	observer *observe.Observer
}

func defaultOptions() options {
	return options{
		timeout:  DefaultTimeout,
		client:   &http.Client{},
		observer: observe.Discard(),
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTimeout bounds how long a request may wait for the backend.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

// WithObserver sets the logger for skipped fragments and failures.
func WithObserver(obs *observe.Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// Classify maps a transport error onto ErrConnection or ErrTimeout. Caller
// cancellation passes through untouched; anything else becomes ErrBackend.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrBackend) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %w", ErrConnection, err)
	case errors.As(err, &opErr), errors.As(err, &dnsErr), errors.As(err, &urlErr):
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return fmt.Errorf("%w: %w", ErrBackend, err)
}

// Describe turns a generation error into guidance for the user.
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrConnection):
		return "cannot reach the model server, is it running?"
	case errors.Is(err, ErrTimeout):
		return "the model server took too long to respond"
	case err != nil:
		return err.Error()
	}
	return ""
}

// stallGuard cancels a request whose backend stays silent for longer than
// timeout. It only runs while armed, so time the consumer spends between
// chunks is not counted.
type stallGuard struct {
	timer   *time.Timer
	timeout time.Duration
	fired   atomic.Bool
}

func newStallGuard(timeout time.Duration, cancel context.CancelFunc) *stallGuard {
	g := &stallGuard{timeout: timeout}
	g.timer = time.AfterFunc(timeout, func() {
		g.fired.Store(true)
		cancel()
	})
	return g
}

func (g *stallGuard) arm()    { g.timer.Reset(g.timeout) }
func (g *stallGuard) disarm() { g.timer.Stop() }

// check converts err into ErrTimeout when the guard cut the request short.
func (g *stallGuard) check(err error, classify func(error) error) error {
	if g.fired.Load() {
		return fmt.Errorf("%w: backend silent for %s", ErrTimeout, g.timeout)
	}
	return classify(err)
}
