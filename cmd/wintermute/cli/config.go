package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/wintermute/internal/config"
	"github.com/felixgeelhaar/wintermute/internal/credential"
	"github.com/felixgeelhaar/wintermute/internal/store"
)

// Config commands talk to the settings store directly, without loading the
// full configuration, so a bad saved value can always be fixed.

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage saved settings",
		Long: "Manage settings saved in the local database. Saved settings override the\n" +
			"environment and .env file; flags override everything.\n\nKeys:\n  " +
			strings.Join(config.Keys(), "\n  "),
	}
	cmd.AddCommand(
		newConfigSetCmd(g),
		newConfigGetCmd(g),
		newConfigListCmd(g),
		newConfigUnsetCmd(g),
	)
	return cmd
}

func withSettings(g *globals, fn func(*store.SQLiteStore) error) error {
	s, err := g.openSettings()
	if err != nil {
		return fmt.Errorf("failed to open settings: %w", err)
	}
	defer s.Close()
	return fn(s)
}

func display(key, value string, reveal bool) string {
	if credential.IsSecretKey(key) && !reveal {
		return credential.Mask(value)
	}
	return value
}

func newConfigSetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Save a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.CheckSetting(key, value); err != nil {
				return err
			}
			return withSettings(g, func(s *store.SQLiteStore) error {
				if err := s.SetConfig(key, value); err != nil {
					return fmt.Errorf("failed to set config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved: %s\n", key)
				return nil
			})
		},
	}
}

func newConfigGetCmd(g *globals) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a saved setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(g, func(s *store.SQLiteStore) error {
				val, ok, err := s.GetConfig(args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "(not set)")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), display(args[0], val, reveal))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print secret values in full")
	return cmd
}

func newConfigListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(g, func(s *store.SQLiteStore) error {
				settings, err := s.ListConfig()
				if err != nil {
					return err
				}
				if len(settings) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "(no saved settings)")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, st := range settings {
					fmt.Fprintf(w, "%s\t%s\t%s\n", st.Key, display(st.Key, st.Value, false), st.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
}

func newConfigUnsetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a saved setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(g, func(s *store.SQLiteStore) error {
				if err := s.DeleteConfig(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration removed: %s\n", args[0])
				return nil
			})
		},
	}
}
