package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/wintermute/internal/chat"
	"github.com/felixgeelhaar/wintermute/internal/provider"
)

func newAskCmd(g *globals) *cobra.Command {
	var noStream bool
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message and stream the reply to stdout",
		Example: `  wintermute ask "what did we talk about yesterday?"
  wintermute ask --persona technical "explain goroutines"
  wintermute ask --no-stream "summarize our last chat"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.shutdown()

			out := cmd.OutOrStdout()
			res, err := s.orch.Run(cmd.Context(), chat.Turn{Message: strings.Join(args, " "), Buffered: noStream}, func(chunk string) {
				fmt.Fprint(out, chunk)
			})
			fmt.Fprintln(out)
			if err != nil {
				return errors.New(provider.Describe(err))
			}
			if res.MemoryDegraded {
				s.obs.Log().Warn().Msg("memory unavailable, replied without context")
			}

			if res.Persisted == nil {
				return nil
			}
			select {
			case err := <-res.Persisted:
				if err != nil {
					s.obs.Log().Warn().Err(err).Msg("exchange not remembered")
				}
			case <-time.After(drainTimeout):
				s.obs.Log().Warn().Msg("timed out waiting for memory")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the whole reply before printing it")
	return cmd
}
