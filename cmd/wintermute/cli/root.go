// Package cli implements the wintermute command tree.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/wintermute/internal/chat"
	"github.com/felixgeelhaar/wintermute/internal/persona"
	"github.com/felixgeelhaar/wintermute/internal/transcript"
	"github.com/felixgeelhaar/wintermute/internal/ui"
	"github.com/felixgeelhaar/wintermute/internal/ui/tui"
)

// drainTimeout bounds how long exit waits for pending memory writes.
const drainTimeout = 10 * time.Second

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&globals{})
}

func newRootCmd(g *globals) *cobra.Command {
	var plain bool

	root := &cobra.Command{
		Use:   "wintermute",
		Short: "Terminal chat with persistent personas",
		Long: `Wintermute is a terminal chat client for local and hosted language models.
Each persona keeps its own long-term memory in an OpenMemory server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, g, plain)
		},
	}
	g.register(root)

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, g, plain)
		},
	}
	for _, c := range []*cobra.Command{root, chatCmd} {
		c.Flags().BoolVar(&plain, "plain", false, "Use a line-based interface instead of the full-screen UI")
	}

	root.AddCommand(
		chatCmd,
		newAskCmd(g),
		newCheckCmd(g),
		newPersonaCmd(g),
		newMemoryCmd(g),
		newConfigCmd(g),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// session is a fully wired chat backend.
type session struct {
	*env
	personas *persona.Store
	orch     *chat.Orchestrator
	deps     tui.Deps
	shutdown func()
}

func openSession(cmd *cobra.Command, g *globals) (*session, error) {
	e, err := g.setup(cmd)
	if err != nil {
		return nil, err
	}
	personas, err := e.personas()
	if err != nil {
		e.close()
		return nil, err
	}
	if personas.Len() == 0 {
		e.close()
		return nil, fmt.Errorf("%w: no persona definitions in %s", chat.ErrNoPersona, personas.Dir())
	}
	mem, err := e.memory()
	if err != nil {
		e.close()
		return nil, err
	}
	gen, err := e.generator(cmd.Context())
	if err != nil {
		e.close()
		return nil, err
	}
	orch := e.orchestrator(personas, mem, gen)

	s := &session{env: e, personas: personas, orch: orch}
	s.shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := orch.Close(ctx); err != nil {
			e.obs.Log().Warn().Err(err).Msg("exiting with memory writes pending")
		}
		closeGenerator(gen)
		e.close()
	}

	s.deps = tui.Deps{
		Conversation: orch,
		Personas:     personas,
		Memory:       mem,
		Generator:    gen,
		Observer:     e.obs,
	}
	return s, nil
}

func runChat(cmd *cobra.Command, g *globals, plain bool) error {
	if !plain && g.logFile == "" {
		g.logFile = defaultLogFile()
	}
	s, err := openSession(cmd, g)
	if err != nil {
		return err
	}
	defer s.shutdown()

	active, _ := s.personas.Active()
	s.obs.Log().Info().
		Str("persona", active.ID).
		Str("model", s.deps.Generator.Model()).
		Msg("chat session started")

	if plain {
		return chatLoop(cmd.Context(), s, bufio.NewScanner(cmd.InOrStdin()), ui.NewLine(cmd.OutOrStdout(), true))
	}
	return tui.Run(cmd.Context(), s.deps)
}

// chatLoop is the line-based chat. "/next" and "/prev" switch persona,
// "/quit" or end of input leaves.
func chatLoop(ctx context.Context, s *session, in *bufio.Scanner, out ui.UI) error {
	var history transcript.Transcript

	active, _ := s.personas.Active()
	out.UpdateStatus(fmt.Sprintf("talking to %s (%s); /next, /prev, /quit", active.Name, s.deps.Generator.Model()))

	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/next", "/prev":
			step := s.personas.Next
			if line == "/prev" {
				step = s.personas.Previous
			}
			if p, ok := step(); ok {
				out.UpdateStatus("now talking to " + p.Name)
			}
			continue
		}

		window := history.Window(transcript.DefaultWindow)
		history.Append(transcript.New(transcript.RoleUser, line))

		p, _ := s.personas.Active()
		out.BeginReply(p.Name)
		res, err := s.orch.Run(ctx, chat.Turn{Message: line, History: window}, out.StreamChunk)
		out.EndReply()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			msg := chat.ErrorMessage(err)
			history.Append(msg)
			out.ShowMessage(msg)
			continue
		}
		history.Append(res.Reply)
		if res.MemoryDegraded {
			out.UpdateStatus("memory unavailable, replying without context")
		}
		if res.Cancelled {
			return nil
		}
	}
	return in.Err()
}
