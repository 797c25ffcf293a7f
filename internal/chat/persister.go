package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/wintermute/internal/memory"
	"github.com/felixgeelhaar/wintermute/internal/observe"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("orchestrator closed")

var (
	userTags      = []string{"conversation", "user"}
	assistantTags = []string{"conversation", "assistant"}
)

// exchange is one turn waiting to be written to memory.
type exchange struct {
	ctx       context.Context
	turnID    string
	owner     string
	user      string
	assistant string
	done      chan error
}

// ownerQueue holds one owner's pending exchanges. running is set while a
// worker drains it.
type ownerQueue struct {
	pending []exchange
	running bool
}

// persister writes exchanges to memory with one FIFO worker per owner, so
// the writes of two turns for the same persona never interleave. Queues are
// unbounded: a slow owner never holds up enqueues for another.
type persister struct {
	memory   Recorder
	observer *observe.Observer
	bus      *EventBus
	tracker  *Tracker

	mu     sync.Mutex
	queues map[string]*ownerQueue
	closed bool
	wg     sync.WaitGroup
}

func newPersister(m Recorder, obs *observe.Observer, bus *EventBus, tracker *Tracker) *persister {
	return &persister{
		memory:   m,
		observer: obs,
		bus:      bus,
		tracker:  tracker,
		queues:   make(map[string]*ownerQueue),
	}
}

// enqueue schedules ex behind earlier exchanges for the same owner. The
// returned channel yields the outcome once and is then closed.
func (p *persister) enqueue(ex exchange) <-chan error {
	ex.done = make(chan error, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ex.done <- ErrClosed
		close(ex.done)
		return ex.done
	}
	q, ok := p.queues[ex.owner]
	if !ok {
		q = &ownerQueue{}
		p.queues[ex.owner] = q
	}
	q.pending = append(q.pending, ex)
	if !q.running {
		q.running = true
		p.wg.Add(1)
		go p.work(q)
	}
	return ex.done
}

// work drains q and exits once it is empty; the next enqueue starts a new
// worker.
func (p *persister) work(q *ownerQueue) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			p.mu.Unlock()
			return
		}
		ex := q.pending[0]
		q.pending[0] = exchange{}
		q.pending = q.pending[1:]
		p.mu.Unlock()

		ex.done <- p.write(ex)
		close(ex.done)
	}
}

// write stores the user side, then the assistant side. A failed user write
// skips the assistant write so memory never holds a reply without its prompt.
func (p *persister) write(ex exchange) error {
	ctx, span := p.observer.StartSpan(ex.ctx, "chat.persist")
	defer span.End()

	log := p.observer.Log().With().Str("turn", ex.turnID).Str("persona", ex.owner).Logger()
	owner := memory.OwnerID(ex.owner)

	err := func() error {
		if _, err := p.memory.Store(ctx, "User said: "+ex.user, userTags, owner); err != nil {
			return err
		}
		if _, err := p.memory.Store(ctx, "Assistant replied: "+ex.assistant, assistantTags, owner); err != nil {
			return err
		}
		return nil
	}()

	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPersistence, err)
		observe.Fail(span, err)
		log.Warn().Err(err).Msg("failed to store exchange in memory")
		p.tracker.Advance(ex.turnID, PhaseFailed, err)
		p.bus.Publish(Event{Type: EventPersistFailed, TurnID: ex.turnID, PersonaID: ex.owner, Phase: PhaseFailed, Err: err})
		return err
	}

	log.Debug().Msg("exchange stored in memory")
	p.tracker.Advance(ex.turnID, PhaseIdle, nil)
	p.bus.Publish(Event{Type: EventPersisted, TurnID: ex.turnID, PersonaID: ex.owner, Phase: PhaseIdle})
	return nil
}

// close stops accepting work and waits for queued exchanges to be written.
func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for memory writes: %w", ctx.Err())
	}
}
