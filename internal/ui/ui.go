// Package ui defines what a chat session shows and a plain line-mode
// rendering of it for pipes and one-shot questions.
package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/felixgeelhaar/wintermute/internal/transcript"
)

// UI receives everything a chat session displays.
type UI interface {
	UpdateStatus(status string)
	ShowMessage(m transcript.Message)
	// BeginReply announces a streaming reply from sender.
	BeginReply(sender string)
	StreamChunk(chunk string)
	EndReply()
}

type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string)       {}
func (s SilentUI) ShowMessage(m transcript.Message) {}
func (s SilentUI) BeginReply(sender string)         {}
func (s SilentUI) StreamChunk(chunk string)         {}
func (s SilentUI) EndReply()                        {}

// Line writes the conversation to out as plain text. Chunks are written as
// they arrive so a reply appears word by word.
type Line struct {
	mu         sync.Mutex
	out        io.Writer
	showStatus bool
	streaming  bool
}

// NewLine creates a line UI. Status lines are printed only when
// showStatus is set.
func NewLine(out io.Writer, showStatus bool) *Line {
	return &Line{out: out, showStatus: showStatus}
}

func (l *Line) UpdateStatus(status string) {
	if !l.showStatus {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "-- %s\n", status)
}

func (l *Line) ShowMessage(m transcript.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, m.Display())
}

func (l *Line) BeginReply(sender string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streaming = true
	if sender != "" {
		fmt.Fprintf(l.out, "%s: ", sender)
	}
}

func (l *Line) StreamChunk(chunk string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, chunk)
}

// EndReply terminates the reply line. It is a no-op when no reply began.
func (l *Line) EndReply() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streaming {
		fmt.Fprintln(l.out)
		l.streaming = false
	}
}
