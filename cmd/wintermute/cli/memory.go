package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/wintermute/internal/memory"
)

// seedTags are applied to imported memories that carry no tags of their own.
var seedTags = []string{"imported"}

func newMemoryCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "memory",
		Aliases: []string{"memories"},
		Short:   "Inspect and seed persona memories",
	}
	cmd.AddCommand(
		newMemoryListCmd(g),
		newMemorySummaryCmd(g),
		newMemoryImportCmd(g),
		newMemoryDeleteCmd(g),
	)
	return cmd
}

// withMemory runs fn with a memory client built from the configuration.
func withMemory(cmd *cobra.Command, g *globals, fn func(*env, *memory.OpenMemory) error) error {
	e, err := g.setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	mem, err := e.memory()
	if err != nil {
		return err
	}
	return fn(e, mem)
}

// ownerArg is the persona named on the command line, else the default one.
func ownerArg(e *env, args []string) memory.OwnerID {
	if len(args) > 0 {
		return memory.OwnerID(args[0])
	}
	return memory.OwnerID(e.cfg.DefaultPersona)
}

func newMemoryListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list [persona]",
		Short: "List everything a persona remembers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, g, func(e *env, mem *memory.OpenMemory) error {
				owner := ownerArg(e, args)
				r := mem.ListAllForOwner(cmd.Context(), owner)
				if r.Degraded() {
					return r.Err
				}
				if len(r.Items) == 0 {
					fmt.Fprintln(e.out, memory.NoMemories)
					return nil
				}
				for _, it := range r.Items {
					tags := ""
					if len(it.Tags) > 0 {
						tags = " [" + strings.Join(it.Tags, ", ") + "]"
					}
					fmt.Fprintf(e.out, "%s  %s%s\n", it.ID, it.Content, tags)
				}
				fmt.Fprintf(e.out, "\n%d memories for %s\n", len(r.Items), owner)
				return nil
			})
		},
	}
}

func newMemorySummaryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "summary [persona]",
		Short: "Print a one-line summary of a persona's memories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, g, func(e *env, mem *memory.OpenMemory) error {
				fmt.Fprintln(e.out, mem.Summarize(cmd.Context(), ownerArg(e, args)))
				return nil
			})
		},
	}
}

func newMemoryDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete memories by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, g, func(e *env, mem *memory.OpenMemory) error {
				for _, id := range args {
					if err := mem.Delete(cmd.Context(), id); err != nil {
						return fmt.Errorf("failed to delete %s: %w", id, err)
					}
					fmt.Fprintf(e.out, "Deleted %s\n", id)
				}
				return nil
			})
		},
	}
}

// seed is one entry of an import file.
type seed struct {
	CharacterID string   `json:"character_id"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
}

func newMemoryImportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Seed memories from a JSON array of {character_id, content, tags}",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0]) // #nosec G304
			if err != nil {
				return fmt.Errorf("failed to read import file: %w", err)
			}
			var seeds []seed
			if err := json.Unmarshal(data, &seeds); err != nil {
				return fmt.Errorf("%s must contain a JSON array: %w", args[0], err)
			}

			return withMemory(cmd, g, func(e *env, mem *memory.OpenMemory) error {
				if !mem.CheckConnection(cmd.Context()) {
					return fmt.Errorf("%w: %s", memory.ErrUnavailable, e.cfg.MemoryURL)
				}

				var stored, skipped, failed int
				for i, s := range seeds {
					if strings.TrimSpace(s.Content) == "" || strings.TrimSpace(s.CharacterID) == "" {
						e.obs.Log().Warn().Int("entry", i).Msg("skipping memory without content or character_id")
						skipped++
						continue
					}
					tags := s.Tags
					if len(tags) == 0 {
						tags = seedTags
					}
					if _, err := mem.Store(cmd.Context(), s.Content, tags, memory.OwnerID(s.CharacterID)); err != nil {
						e.obs.Log().Warn().Int("entry", i).Err(err).Msg("failed to import memory")
						failed++
						continue
					}
					stored++
				}

				fmt.Fprintf(e.out, "Imported %d memories (%d skipped, %d failed)\n", stored, skipped, failed)
				if failed > 0 {
					return fmt.Errorf("%d of %d memories failed to import", failed, len(seeds))
				}
				return nil
			})
		},
	}
}
