package observe

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("wintermute")

// Observer handles logging and tracing
type Observer struct {
	log    *bolt.Logger
	closer io.Closer
}

// New creates a new Observer with console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	return newObserver(bolt.New(bolt.NewConsoleHandler(out)), verbose, nil)
}

// NewJSON creates a new Observer with JSON output.
// If verbose is false, only warnings and errors are shown.
func NewJSON(out io.Writer, verbose bool) *Observer {
	return newObserver(bolt.New(bolt.NewJSONHandler(out)), verbose, nil)
}

// NewFile creates an Observer that appends JSON lines to path. The TUI uses
// it so log output never lands on the terminal it is drawing.
func NewFile(path string, verbose bool) (*Observer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return newObserver(bolt.New(bolt.NewJSONHandler(f)), verbose, f), nil
}

// Discard returns an Observer that drops everything.
func Discard() *Observer {
	return New(io.Discard, false)
}

func newObserver(l *bolt.Logger, verbose bool, closer io.Closer) *Observer {
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l, closer: closer}
}

// Log returns the underlying logger
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a new OTel span
func (o *Observer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Close releases the log file, if any.
func (o *Observer) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
