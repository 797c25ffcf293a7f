package chat

import (
	"fmt"
	"sync"
	"time"
)

// Phase is where a turn is in its lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRetrieving Phase = "retrieving"
	PhaseAssembling Phase = "assembling"
	PhaseStreaming  Phase = "streaming"
	PhasePersisting Phase = "persisting"
	PhaseFailed     Phase = "failed"
)

// transitions lists the legal moves. Streaming may return straight to Idle
// when a cancelled turn has nothing to persist.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseRetrieving},
	PhaseRetrieving: {PhaseAssembling},
	PhaseAssembling: {PhaseStreaming},
	PhaseStreaming:  {PhasePersisting, PhaseFailed, PhaseIdle},
	PhasePersisting: {PhaseIdle, PhaseFailed},
}

func canTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a turn in this phase has settled.
func (p Phase) Terminal() bool {
	return p == PhaseIdle || p == PhaseFailed
}

// TurnState is the tracked state of one turn.
type TurnState struct {
	TurnID    string
	PersonaID string
	Phase     Phase
	Path      []Phase
	Chunks    int
	Err       error
	StartedAt time.Time
	UpdatedAt time.Time
}

// keepSettled bounds how many finished turns stay inspectable.
const keepSettled = 16

// Tracker records the phase of every turn. It provides thread-safe access
// because persistence settles turns from background workers.
type Tracker struct {
	mu      sync.RWMutex
	turns   map[string]*TurnState
	settled []string
}

// NewTracker creates a new tracker.
func NewTracker() *Tracker {
	return &Tracker{
		turns: make(map[string]*TurnState),
	}
}

// Begin registers a turn in the Idle phase.
func (t *Tracker) Begin(turnID, personaID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.turns[turnID] = &TurnState{
		TurnID:    turnID,
		PersonaID: personaID,
		Phase:     PhaseIdle,
		Path:      []Phase{PhaseIdle},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves a turn to the next phase, rejecting illegal moves.
func (t *Tracker) Advance(turnID string, to Phase, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.turns[turnID]
	if !ok {
		return fmt.Errorf("unknown turn %s", turnID)
	}
	if !canTransition(state.Phase, to) {
		return fmt.Errorf("turn %s: illegal transition %s -> %s", turnID, state.Phase, to)
	}

	state.Phase = to
	state.Path = append(state.Path, to)
	state.UpdatedAt = time.Now()
	if cause != nil {
		state.Err = cause
	}
	if to.Terminal() {
		t.settle(turnID)
	}
	return nil
}

// settle must be called with the lock held.
func (t *Tracker) settle(turnID string) {
	t.settled = append(t.settled, turnID)
	if len(t.settled) > keepSettled {
		delete(t.turns, t.settled[0])
		t.settled = t.settled[1:]
	}
}

// AddChunk counts a streamed chunk.
func (t *Tracker) AddChunk(turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state, ok := t.turns[turnID]; ok {
		state.Chunks++
		state.UpdatedAt = time.Now()
	}
}

// Get returns a copy of a turn's state.
func (t *Tracker) Get(turnID string) (TurnState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.turns[turnID]
	if !ok {
		return TurnState{}, false
	}
	out := *state
	out.Path = append([]Phase(nil), state.Path...)
	return out, true
}

// Phase returns a turn's current phase, or "" when the turn is unknown.
func (t *Tracker) Phase(turnID string) Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if state, ok := t.turns[turnID]; ok {
		return state.Phase
	}
	return ""
}

// Unsettled returns how many turns have not reached Idle or Failed.
func (t *Tracker) Unsettled() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, state := range t.turns {
		if !state.Phase.Terminal() || len(state.Path) == 1 {
			n++
		}
	}
	return n
}
