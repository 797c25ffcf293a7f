// Package chat runs conversation turns: recall memories, assemble the
// prompt, stream the reply and remember the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/wintermute/internal/memory"
	"github.com/felixgeelhaar/wintermute/internal/observe"
	"github.com/felixgeelhaar/wintermute/internal/persona"
	"github.com/felixgeelhaar/wintermute/internal/prompt"
	"github.com/felixgeelhaar/wintermute/internal/provider"
	"github.com/felixgeelhaar/wintermute/internal/transcript"
)

var (
	// ErrEmptyMessage is returned for a turn with nothing to say.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoPersona is returned when no persona is loaded.
	ErrNoPersona = errors.New("no persona available")
	// ErrPersistence marks a failed memory write after a successful reply.
	ErrPersistence = errors.New("failed to persist exchange")
)

// DefaultQueryLimit is how many memories a turn asks for.
const DefaultQueryLimit = 5

// Recorder is the write side of memory.
type Recorder interface {
	Store(ctx context.Context, content string, tags []string, owner memory.OwnerID) (string, error)
}

// Memory is what a turn needs from the memory service.
type Memory interface {
	Recorder
	Query(ctx context.Context, text string, owner memory.OwnerID, limit int) memory.Recall
}

// Streamer opens streaming generations.
type Streamer interface {
	Stream(ctx context.Context, req provider.Request) (*provider.Stream, error)
}

// Generator produces a whole reply in one call. Streamers that also
// implement it can serve buffered turns.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (string, error)
}

// PersonaSource yields the persona a new turn speaks as.
type PersonaSource interface {
	Active() (persona.Persona, bool)
}

// Turn is one user message plus the recent dialogue it answers.
type Turn struct {
	Message string
	// History is the caller's conversation window, earliest first.
	History []transcript.Message
	// Buffered asks for the reply in one piece. onChunk then sees the full
	// text once. Ignored when the generator cannot generate in one call.
	Buffered bool
}

// Result describes a finished turn.
type Result struct {
	TurnID  string
	Persona persona.Persona
	Reply   transcript.Message
	// Cancelled is set when the caller stopped the stream early; Reply then
	// holds whatever text arrived before the stop.
	Cancelled      bool
	Memories       int
	MemoryDegraded bool
	// Persisted yields the outcome of the memory writes and is then closed.
	// It is nil when nothing was handed to persistence.
	Persisted <-chan error
}

// Orchestrator runs turns against memory and a generator.
type Orchestrator struct {
	personas PersonaSource
	memory   Memory
	gen      Streamer
	observer *observe.Observer
	bus      *EventBus
	tracker  *Tracker
	persist  *persister

	globalPrompt    string
	queryLimit      int
	persistOnCancel bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGlobalPrompt sets the prompt placed ahead of every persona prompt.
func WithGlobalPrompt(p string) Option {
	return func(o *Orchestrator) { o.globalPrompt = p }
}

// WithQueryLimit sets how many memories each turn asks for.
func WithQueryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queryLimit = n
		}
	}
}

// WithPersistOnCancel stores the partial reply of a cancelled turn.
func WithPersistOnCancel(enabled bool) Option {
	return func(o *Orchestrator) { o.persistOnCancel = enabled }
}

// WithObserver sets the logger and tracer.
func WithObserver(obs *observe.Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithEventBus publishes turn events on bus.
func WithEventBus(bus *EventBus) Option {
	return func(o *Orchestrator) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// New creates an orchestrator.
func New(personas PersonaSource, mem Memory, gen Streamer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		personas:   personas,
		memory:     mem,
		gen:        gen,
		observer:   observe.Discard(),
		bus:        NewEventBus(),
		tracker:    NewTracker(),
		queryLimit: DefaultQueryLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.persist = newPersister(mem, o.observer, o.bus, o.tracker)
	return o
}

// Events returns the bus turn events are published on.
func (o *Orchestrator) Events() *EventBus {
	return o.bus
}

// Tracker returns the phase tracker.
func (o *Orchestrator) Tracker() *Tracker {
	return o.tracker
}

// Run executes one turn. Chunks are passed to onChunk as they arrive. The
// persona is read once, here, and used for the whole turn.
//
// A generation failure is returned as an error and nothing is stored.
// Cancelling ctx stops the stream and returns a Result with Cancelled set.
// Memory writes happen in the background; see Result.Persisted.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, onChunk func(string)) (Result, error) {
	msg := strings.TrimSpace(turn.Message)
	if msg == "" {
		return Result{}, ErrEmptyMessage
	}
	p, ok := o.personas.Active()
	if !ok {
		return Result{}, ErrNoPersona
	}

	turnID := uuid.NewString()
	ctx, span := o.observer.StartSpan(ctx, "chat.turn",
		attribute.String("turn.id", turnID),
		attribute.String("persona.id", p.ID),
	)
	defer span.End()

	log := o.observer.Log().With().Str("turn", turnID).Str("persona", p.ID).Logger()
	res := Result{TurnID: turnID, Persona: p}

	o.tracker.Begin(turnID, p.ID)
	o.bus.PublishSimple(EventTurnStarted, turnID, p.ID)

	// Retrieving: soft, always proceeds.
	o.advance(turnID, p.ID, PhaseRetrieving, nil)
	rctx, rspan := o.observer.StartSpan(ctx, "chat.retrieve")
	recall := o.memory.Query(rctx, msg, memory.OwnerID(p.ID), o.queryLimit)
	rspan.SetAttributes(attribute.Int("memory.items", len(recall.Items)))
	if recall.Degraded() {
		res.MemoryDegraded = true
		log.Warn().Err(recall.Err).Msg("continuing without memory context")
		o.bus.Publish(Event{Type: EventMemoryDegraded, TurnID: turnID, PersonaID: p.ID, Err: recall.Err})
	}
	rspan.End()

	// Assembling: prompt and system prompt are fixed from here on.
	o.advance(turnID, p.ID, PhaseAssembling, nil)
	asm := prompt.Assemble(msg, recall.Items, turn.History, o.globalPrompt, p.SystemPrompt)
	res.Memories = asm.Memories
	req := provider.Request{
		Prompt:      asm.Prompt,
		System:      asm.System,
		Temperature: provider.Temperature(p.Temperature),
	}

	o.advance(turnID, p.ID, PhaseStreaming, nil)
	var text string
	var streamErr error
	if g, ok := o.gen.(Generator); ok && turn.Buffered {
		text, streamErr = o.generate(ctx, g, turnID, req, onChunk)
	} else {
		text, streamErr = o.stream(ctx, turnID, req, onChunk)
	}

	res.Reply = transcript.New(transcript.RoleAssistant, text)
	res.Reply.Metadata = map[string]string{
		transcript.MetaPersonaName: p.Name,
		transcript.MetaPersonaID:   p.ID,
	}

	switch {
	case streamErr != nil && ctx.Err() != nil:
		res.Cancelled = true
		log.Info().Int("chars", len(text)).Msg("turn cancelled")
		o.bus.PublishSimple(EventTurnCancelled, turnID, p.ID)
		if !o.persistOnCancel {
			o.advance(turnID, p.ID, PhaseIdle, nil)
			return res, nil
		}

	case streamErr != nil:
		observe.Fail(span, streamErr)
		log.Error().Err(streamErr).Msg("generation failed")
		o.advance(turnID, p.ID, PhaseFailed, streamErr)
		o.bus.Publish(Event{Type: EventTurnFailed, TurnID: turnID, PersonaID: p.ID, Phase: PhaseFailed, Err: streamErr})
		return res, fmt.Errorf("generate reply: %w", streamErr)

	default:
		o.bus.Publish(Event{
			Type:      EventTurnCompleted,
			TurnID:    turnID,
			PersonaID: p.ID,
			Data:      map[string]string{"chars": strconv.Itoa(len(text)), "memories": strconv.Itoa(res.Memories)},
		})
	}

	// Persisting: the reply is complete (or deliberately partial).
	o.advance(turnID, p.ID, PhasePersisting, nil)
	res.Persisted = o.persist.enqueue(exchange{
		ctx:       context.WithoutCancel(ctx),
		turnID:    turnID,
		owner:     p.ID,
		user:      msg,
		assistant: text,
	})
	return res, nil
}

// stream drives one generation and accumulates the full reply.
func (o *Orchestrator) stream(ctx context.Context, turnID string, req provider.Request, onChunk func(string)) (string, error) {
	ctx, span := o.observer.StartSpan(ctx, "chat.stream")
	defer span.End()

	s, err := o.gen.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var sb strings.Builder
	for s.Next() {
		chunk := s.Chunk()
		sb.WriteString(chunk)
		o.tracker.AddChunk(turnID)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	span.SetAttributes(attribute.Int("reply.chars", sb.Len()))
	if err := s.Err(); err != nil {
		return sb.String(), err
	}
	// A stream that ended because ctx was cancelled reports no error of its
	// own when it was closed underneath the reader.
	if ctx.Err() != nil {
		return sb.String(), ctx.Err()
	}
	return sb.String(), nil
}

// generate waits for the full reply and hands it to onChunk once.
func (o *Orchestrator) generate(ctx context.Context, g Generator, turnID string, req provider.Request, onChunk func(string)) (string, error) {
	ctx, span := o.observer.StartSpan(ctx, "chat.generate")
	defer span.End()

	text, err := g.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.Int("reply.chars", len(text)))
	if text != "" {
		o.tracker.AddChunk(turnID)
		if onChunk != nil {
			onChunk(text)
		}
	}
	return text, nil
}

func (o *Orchestrator) advance(turnID, personaID string, to Phase, cause error) {
	if err := o.tracker.Advance(turnID, to, cause); err != nil {
		o.observer.Log().Error().Err(err).Msg("turn state")
		return
	}
	o.bus.Publish(Event{Type: EventPhaseChanged, TurnID: turnID, PersonaID: personaID, Phase: to, Err: cause})
}

// Close stops accepting turns for persistence and waits until every queued
// memory write has finished or ctx expires.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.persist.close(ctx)
}

// ErrorMessage renders a failed turn as the system message shown to the user.
func ErrorMessage(err error) transcript.Message {
	return transcript.New(transcript.RoleSystem, "Error: "+provider.Describe(err))
}
