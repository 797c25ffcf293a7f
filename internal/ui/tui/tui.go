// Package tui is the interactive terminal front end: a chat pane, a persona
// pane and a status pane.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/wintermute/internal/chat"
	"github.com/felixgeelhaar/wintermute/internal/memory"
	"github.com/felixgeelhaar/wintermute/internal/observe"
	"github.com/felixgeelhaar/wintermute/internal/persona"
	"github.com/felixgeelhaar/wintermute/internal/transcript"
)

// renderEvery is how many chunks are buffered between chat pane redraws.
const renderEvery = 3

const (
	sideWidth    = 30
	chromeLines  = 6
	checkTimeout = 5 * time.Second
)

// Conversation runs turns. *chat.Orchestrator satisfies it.
type Conversation interface {
	Run(ctx context.Context, turn chat.Turn, onChunk func(string)) (chat.Result, error)
}

// Personas is the selectable persona list. *persona.Store satisfies it.
type Personas interface {
	Active() (persona.Persona, bool)
	Next() (persona.Persona, bool)
	Previous() (persona.Persona, bool)
	List() []persona.Persona
}

// Memory is what the status pane asks of the memory service.
type Memory interface {
	ListAllForOwner(ctx context.Context, owner memory.OwnerID) memory.Recall
	CheckConnection(ctx context.Context) bool
}

// Generator is what the status pane asks of the generation backend.
type Generator interface {
	Model() string
	CheckConnection(ctx context.Context) bool
}

// Deps are the collaborators a Model drives.
type Deps struct {
	Conversation Conversation
	Personas     Personas
	Memory       Memory
	Generator    Generator
	Observer     *observe.Observer
}

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4")).
		Padding(0, 1)

	paneStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1)

	activeStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#04B575"))

	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))
)

// chunkMsg carries one streamed piece of turn seq.
type chunkMsg struct {
	seq  int
	text string
}

// turnDoneMsg ends turn seq.
type turnDoneMsg struct {
	seq int
	res chat.Result
	err error
}

type healthMsg struct {
	generation bool
	memory     bool
}

type memoryCountMsg struct {
	owner    string
	count    int
	degraded bool
}

// turnClosedMsg is delivered when a turn's event channel is exhausted.
type turnClosedMsg struct{}

// Model is the bubbletea model of a chat session.
type Model struct {
	deps Deps

	Viewport viewport.Model
	Input    textinput.Model
	Spinner  spinner.Model

	transcript *transcript.Transcript

	// In-flight turn.
	streaming    bool
	seq          int
	cancel       context.CancelFunc
	events       chan tea.Msg
	reply        string
	replyStarted bool
	replyAs      persona.Persona
	pending      int

	// Status pane.
	generationOK *bool
	memoryOK     *bool
	memoryCount  map[string]int
	notice       string

	frames   int
	Ready    bool
	Quitting bool
	Width    int
	Height   int
}

// NewModel creates the model. deps.Observer may be nil.
func NewModel(deps Deps) Model {
	if deps.Observer == nil {
		deps.Observer = observe.Discard()
	}

	in := textinput.New()
	in.Placeholder = "Say something..."
	in.Prompt = "> "
	in.CharLimit = 4000
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		deps:        deps,
		Input:       in,
		Spinner:     sp,
		transcript:  &transcript.Transcript{},
		memoryCount: map[string]int{},
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.checkBackends()}
	if p, ok := m.deps.Personas.Active(); ok {
		cmds = append(cmds, m.countMemories(p.ID, nil))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.cancel != nil {
				m.cancel()
			}
			m.Quitting = true
			return m, tea.Quit

		case tea.KeyEsc:
			if m.streaming && m.cancel != nil {
				m.cancel()
				m.notice = "cancelling..."
			}
			return m, nil

		case tea.KeyCtrlP:
			return m.switchPersona(m.deps.Personas.Next)

		case tea.KeyCtrlN:
			return m.switchPersona(m.deps.Personas.Previous)

		case tea.KeyEnter:
			if m.streaming {
				return m, nil
			}
			return m.send()
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		w, h := m.chatSize()
		if !m.Ready {
			m.Viewport = viewport.New(w, h)
			m.Ready = true
		} else {
			m.Viewport.Width = w
			m.Viewport.Height = h
		}
		m.Input.Width = w - 4
		m.refresh()

	case chunkMsg:
		if msg.seq != m.seq {
			return m, nil
		}
		m.addChunk(msg.text)
		return m, listen(m.events)

	case turnDoneMsg:
		if msg.seq != m.seq {
			return m, nil
		}
		return m.finish(msg)

	case turnClosedMsg:
		return m, nil

	case healthMsg:
		m.generationOK = &msg.generation
		m.memoryOK = &msg.memory

	case memoryCountMsg:
		if !msg.degraded {
			m.memoryCount[msg.owner] = msg.count
		}

	case spinner.TickMsg:
		if !m.streaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	if !m.streaming {
		m.Input, cmd = m.Input.Update(msg)
		cmds = append(cmds, cmd)
	}
	m.Viewport, cmd = m.Viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// send starts a turn for the current input. The window handed to the turn
// is taken before the new message is appended.
func (m Model) send() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.Input.Value())
	if text == "" {
		return m, nil
	}
	m.Input.Reset()

	history := m.transcript.Window(transcript.DefaultWindow)
	m.transcript.Append(transcript.New(transcript.RoleUser, text))

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan tea.Msg, 64)
	m.seq++
	seq := m.seq

	m.streaming = true
	m.cancel = cancel
	m.events = events
	m.reply = ""
	m.replyStarted = false
	m.replyAs, _ = m.deps.Personas.Active()
	m.pending = 0
	m.notice = ""
	m.Input.Blur()
	m.refresh()

	conv := m.deps.Conversation
	go func() {
		defer close(events)
		// Every chunk is delivered, even after a cancel; the model drains
		// events until the channel is closed.
		res, err := conv.Run(ctx, chat.Turn{Message: text, History: history}, func(chunk string) {
			events <- chunkMsg{seq: seq, text: chunk}
		})
		events <- turnDoneMsg{seq: seq, res: res, err: err}
	}()

	return m, tea.Batch(listen(events), m.Spinner.Tick)
}

func listen(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return turnClosedMsg{}
		}
		return msg
	}
}

func (m *Model) addChunk(chunk string) {
	if !m.replyStarted {
		m.replyStarted = true
		reply := transcript.New(transcript.RoleAssistant, "")
		reply.Metadata[transcript.MetaPersonaName] = m.replyAs.Name
		reply.Metadata[transcript.MetaPersonaID] = m.replyAs.ID
		m.transcript.Append(reply)
	}
	m.reply += chunk
	m.pending++
	if m.pending >= renderEvery {
		m.transcript.UpdateLast(m.reply)
		m.pending = 0
		m.refresh()
	}
}

// finish settles the turn and always renders the final text.
func (m Model) finish(done turnDoneMsg) (tea.Model, tea.Cmd) {
	m.streaming = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.Input.Focus()
	m.pending = 0

	res := done.res
	// A settled turn's reply is the full text, whatever chunks were seen.
	text := m.reply
	if done.err == nil {
		text = res.Reply.Content
	}
	switch {
	case m.replyStarted:
		m.transcript.UpdateLast(text)
		// The turn reports the persona that actually answered.
		m.relabelLast(res.Reply)
	case done.err == nil && (text != "" || !res.Cancelled):
		m.transcript.Append(res.Reply)
	}

	var cmds []tea.Cmd
	switch {
	case done.err != nil:
		m.deps.Observer.Log().Error().Err(done.err).Msg("turn failed")
		m.transcript.Append(chat.ErrorMessage(done.err))
		m.notice = ""
	case res.Cancelled:
		m.notice = "reply cancelled"
	default:
		m.notice = ""
	}

	if res.MemoryDegraded {
		down := false
		m.memoryOK = &down
	}
	if done.err == nil && res.Persona.ID != "" {
		cmds = append(cmds, m.countMemories(res.Persona.ID, res.Persisted))
	}

	m.refresh()
	return m, tea.Batch(cmds...)
}

func (m *Model) relabelLast(reply transcript.Message) {
	last, ok := m.transcript.Last()
	if !ok || last.Role != transcript.RoleAssistant {
		return
	}
	for k, v := range reply.Metadata {
		last.Metadata[k] = v
	}
}

func (m Model) switchPersona(step func() (persona.Persona, bool)) (tea.Model, tea.Cmd) {
	p, ok := step()
	if !ok {
		return m, nil
	}
	m.notice = "now talking to " + p.Name
	m.refresh()
	return m, m.countMemories(p.ID, nil)
}

// checkBackends checks both backends once.
func (m Model) checkBackends() tea.Cmd {
	gen, mem := m.deps.Generator, m.deps.Memory
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		var h healthMsg
		if gen != nil {
			h.generation = gen.CheckConnection(ctx)
		}
		if mem != nil {
			h.memory = mem.CheckConnection(ctx)
		}
		return h
	}
}

// countMemories counts owner's memories, after persisted settles when set.
func (m Model) countMemories(owner string, persisted <-chan error) tea.Cmd {
	mem := m.deps.Memory
	if mem == nil {
		return nil
	}
	return func() tea.Msg {
		if persisted != nil {
			<-persisted
		}
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		recall := mem.ListAllForOwner(ctx, memory.OwnerID(owner))
		return memoryCountMsg{owner: owner, count: len(recall.Items), degraded: recall.Degraded()}
	}
}

func (m Model) chatSize() (int, int) {
	w := m.Width - sideWidth - 4
	if w < 20 {
		w = 20
	}
	h := m.Height - chromeLines
	if h < 3 {
		h = 3
	}
	return w, h
}

// refresh redraws the chat pane from the transcript.
func (m *Model) refresh() {
	m.frames++
	if !m.Ready {
		return
	}
	wrap := lipgloss.NewStyle().Width(m.Viewport.Width)
	var b strings.Builder
	for i, msg := range m.transcript.All() {
		if i > 0 {
			b.WriteString("\n")
		}
		line := msg.Display()
		if msg.Role == transcript.RoleSystem {
			line = errorStyle.Render(line)
		}
		b.WriteString(wrap.Render(line))
	}
	m.Viewport.SetContent(b.String())
	m.Viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.Ready {
		return "\n  Initializing..."
	}

	header := titleStyle.Render(" Wintermute ")
	if m.notice != "" {
		header += " " + dimStyle.Render(m.notice)
	}

	side := lipgloss.JoinVertical(lipgloss.Left, m.personaPane(), m.statusPane())
	body := lipgloss.JoinHorizontal(lipgloss.Top, paneStyle.Render(m.Viewport.View()), side)

	input := m.Input.View()
	if m.streaming {
		input = m.Spinner.View() + " streaming... (esc to cancel)"
	}
	help := dimStyle.Render("enter send - ctrl+p/ctrl+n switch persona - esc cancel - ctrl+c quit")

	view := fmt.Sprintf("%s\n%s\n%s\n%s", header, body, input, help)
	if m.Quitting {
		return view + "\n  Quitting...\n"
	}
	return view
}

func (m Model) personaPane() string {
	active, _ := m.deps.Personas.Active()
	var b strings.Builder
	b.WriteString("Personas\n")
	for _, p := range m.deps.Personas.List() {
		if p.ID == active.ID {
			b.WriteString(activeStyle.Render("> " + p.Name))
		} else {
			b.WriteString("  " + p.Name)
		}
		b.WriteString("\n")
	}
	return paneStyle.Width(sideWidth).Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) statusPane() string {
	model := "-"
	if m.deps.Generator != nil {
		model = m.deps.Generator.Model()
	}
	active, _ := m.deps.Personas.Active()

	count := "-"
	if n, ok := m.memoryCount[active.ID]; ok {
		count = fmt.Sprintf("%d", n)
	}

	lines := []string{
		"Status",
		"model:  " + model,
		"llm:    " + connectivity(m.generationOK),
		"memory: " + connectivity(m.memoryOK),
		"memories: " + count,
	}
	return paneStyle.Width(sideWidth).Render(strings.Join(lines, "\n"))
}

func connectivity(ok *bool) string {
	switch {
	case ok == nil:
		return dimStyle.Render("checking")
	case *ok:
		return okStyle.Render("online")
	default:
		return errorStyle.Render("offline")
	}
}

// Run starts the full-screen program and blocks until the user quits.
func Run(ctx context.Context, deps Deps) error {
	program := tea.NewProgram(NewModel(deps), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := program.Run()
	if m, ok := final.(Model); ok && m.cancel != nil {
		m.cancel()
	}
	if err != nil {
		return fmt.Errorf("terminal UI: %w", err)
	}
	return nil
}
