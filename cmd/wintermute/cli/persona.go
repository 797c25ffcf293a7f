package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/wintermute/internal/persona"
)

func newPersonaCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "persona",
		Aliases: []string{"personas", "character"},
		Short:   "Manage persona definitions",
	}
	cmd.AddCommand(
		newPersonaListCmd(g),
		newPersonaShowCmd(g),
		newPersonaWriteCmd(g, false),
		newPersonaWriteCmd(g, true),
	)
	return cmd
}

// withPersonas runs fn against the loaded persona directory.
func withPersonas(cmd *cobra.Command, g *globals, fn func(*env, *persona.Store) error) error {
	e, err := g.setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	s, err := e.personas()
	if err != nil {
		return err
	}
	return fn(e, s)
}

func newPersonaListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded personas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPersonas(cmd, g, func(e *env, s *persona.Store) error {
				if s.Len() == 0 {
					fmt.Fprintf(e.out, "No personas found in %s\n", s.Dir())
					return nil
				}
				active, _ := s.Active()
				w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "\tID\tNAME\tTEMP\tDESCRIPTION")
				for _, p := range s.List() {
					mark := ""
					if p.ID == active.ID {
						mark = "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\n", mark, p.ID, p.Name, p.Temperature, p.Description)
				}
				return w.Flush()
			})
		},
	}
}

func newPersonaShowCmd(g *globals) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a persona definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPersonas(cmd, g, func(e *env, s *persona.Store) error {
				p, err := s.Get(args[0])
				if err != nil {
					return err
				}
				data, err := persona.Encode(p, "."+strings.TrimPrefix(format, "."))
				if err != nil {
					return err
				}
				_, err = e.out.Write(data)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format (json, yaml, toml)")
	return cmd
}

// personaFlags are the field overrides accepted by create and update.
type personaFlags struct {
	file        string
	name        string
	prompt      string
	description string
	temperature float64
	traits      []string
}

func (f *personaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "file", "", "Read the definition from a .json, .yaml or .toml file")
	cmd.Flags().StringVar(&f.name, "name", "", "Display name")
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "System prompt")
	cmd.Flags().StringVar(&f.description, "description", "", "Short description")
	cmd.Flags().Float64Var(&f.temperature, "temperature", persona.DefaultTemperature, "Sampling temperature")
	cmd.Flags().StringSliceVar(&f.traits, "traits", nil, "Comma-separated traits")
}

// apply overlays the flags the user set onto p.
func (f *personaFlags) apply(cmd *cobra.Command, p *persona.Persona) {
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = f.name
	}
	if changed("prompt") {
		p.SystemPrompt = f.prompt
	}
	if changed("description") {
		p.Description = f.description
	}
	if changed("temperature") {
		p.Temperature = f.temperature
	}
	if changed("traits") {
		p.Traits = f.traits
	}
}

func newPersonaWriteCmd(g *globals, update bool) *cobra.Command {
	var f personaFlags
	use, short := "create [id]", "Create a persona from a file or flags"
	if update {
		use, short = "update [id]", "Change an existing persona"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPersonas(cmd, g, func(e *env, s *persona.Store) error {
				var p persona.Persona
				switch {
				case f.file != "":
					loaded, err := persona.LoadFile(f.file)
					if err != nil {
						return err
					}
					p = loaded
				case len(args) == 0:
					return fmt.Errorf("%w: an id or --file is required", persona.ErrInvalid)
				case update:
					existing, err := s.Get(args[0])
					if err != nil {
						return err
					}
					p = existing
				default:
					p = persona.Persona{ID: args[0], Temperature: persona.DefaultTemperature}
				}
				if len(args) == 1 {
					p.ID = args[0]
				}
				f.apply(cmd, &p)

				if update {
					if err := s.Update(p); err != nil {
						return err
					}
					fmt.Fprintf(e.out, "Persona updated: %s\n", p.ID)
					return nil
				}
				if err := s.Create(p); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Persona created: %s\n", p.ID)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}
