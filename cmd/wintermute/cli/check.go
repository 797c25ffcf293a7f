package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	okMark   = color.New(color.FgGreen)
	failMark = color.New(color.FgRed)
	warnMark = color.New(color.FgYellow)
	heading  = color.New(color.FgCyan, color.Bold)
)

func newCheckCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the generation backend and memory server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return runCheck(cmd.Context(), e)
		},
	}
}

func runCheck(ctx context.Context, e *env) error {
	out := e.out
	pc := e.cfg.ProviderConfig()

	heading.Fprintln(out, "Checking service connections...")
	fmt.Fprintln(out, strings.Repeat("=", 60))

	name := pc.Name
	if name == "" {
		name = "ollama"
	}
	endpoint := pc.BaseURL
	if endpoint == "" {
		endpoint = "(default endpoint)"
	}
	fmt.Fprintf(out, "\nGeneration: %s %s\n", name, endpoint)

	genOK := false
	gen, err := e.generator(ctx)
	if err != nil {
		fmt.Fprintf(out, "   Model: %s\n", pc.Model)
		status(out, false, err.Error())
	} else {
		defer closeGenerator(gen)
		fmt.Fprintf(out, "   Model: %s\n", gen.Model())
		genOK = gen.CheckConnection(ctx)
		status(out, genOK, "")
		if !genOK && name == "ollama" {
			fmt.Fprintln(out, "   -> Start Ollama: ollama serve")
		}
	}

	fmt.Fprintf(out, "\nMemory: %s\n", e.cfg.MemoryURL)
	memOK := false
	mem, err := e.memory()
	if err != nil {
		status(out, false, err.Error())
	} else {
		memOK = mem.CheckConnection(ctx)
		status(out, memOK, "")
		if memOK {
			if stats := mem.Stats(ctx); stats.Available {
				fmt.Fprintf(out, "   Total memories: %d\n", stats.Total)
			}
		} else {
			fmt.Fprintln(out, "   -> Chat still works without memory, but nothing is remembered")
		}
	}

	fmt.Fprintln(out, "\n"+strings.Repeat("=", 60))
	switch {
	case genOK && memOK:
		okMark.Fprintln(out, "All services ready!")
	case genOK:
		warnMark.Fprintln(out, "Generation ready, memory unavailable (reduced functionality)")
	case memOK:
		warnMark.Fprintln(out, "Memory ready, generation unavailable (can't chat)")
	default:
		failMark.Fprintln(out, "No services available - check configuration")
	}
	return nil
}

func status(out io.Writer, ok bool, detail string) {
	if ok {
		okMark.Fprintln(out, "   Connected")
		return
	}
	if detail != "" {
		failMark.Fprintf(out, "   Not connected: %s\n", detail)
		return
	}
	failMark.Fprintln(out, "   Not connected")
}
