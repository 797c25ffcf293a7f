package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/wintermute/internal/chat"
	"github.com/felixgeelhaar/wintermute/internal/config"
	"github.com/felixgeelhaar/wintermute/internal/credential"
	"github.com/felixgeelhaar/wintermute/internal/memory"
	"github.com/felixgeelhaar/wintermute/internal/observe"
	"github.com/felixgeelhaar/wintermute/internal/persona"
	"github.com/felixgeelhaar/wintermute/internal/provider"
	"github.com/felixgeelhaar/wintermute/internal/store"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	dbPath   string
	envFile  string
	verbose  bool
	jsonLogs bool
	logFile  string

	provider    string
	model       string
	ollamaURL   string
	memoryURL   string
	personasDir string
	persona     string

	// environ replaces os.LookupEnv when set.
	environ func(string) (string, bool)
}

func (g *globals) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&g.dbPath, "db", "", "Settings database (default ~/.wintermute/wintermute.db)")
	f.StringVar(&g.envFile, "env-file", ".env", "Dotenv file to read")
	f.BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose logging")
	f.BoolVar(&g.jsonLogs, "json", false, "Write logs as JSON")
	f.StringVarP(&g.provider, "provider", "p", "", "Generation backend (ollama, openai, gemini, anthropic, stub)")
	f.StringVarP(&g.model, "model", "m", "", "Model name (default depends on provider)")
	f.StringVar(&g.ollamaURL, "ollama-url", "", "Ollama server URL")
	f.StringVar(&g.memoryURL, "memory-url", "", "OpenMemory server URL")
	f.StringVar(&g.logFile, "log-file", "", "Write logs to this file instead of stderr")
	f.StringVar(&g.personasDir, "personas", "", "Directory of persona definitions")
	f.StringVar(&g.persona, "persona", "", "Persona to start with")
}

// overrides maps the flags the user actually set onto setting keys.
func (g *globals) overrides(cmd *cobra.Command) map[string]string {
	bound := []struct {
		flag, setting, value string
	}{
		{"provider", "provider.name", g.provider},
		{"model", "provider.model", g.model},
		{"ollama-url", "ollama.url", g.ollamaURL},
		{"memory-url", "memory.url", g.memoryURL},
		{"personas", "persona.dir", g.personasDir},
		{"persona", "persona.default", g.persona},
	}
	out := map[string]string{}
	for _, b := range bound {
		if cmd.Flags().Changed(b.flag) {
			out[b.setting] = b.value
		}
	}
	if g.verbose {
		out["debug"] = "true"
	}
	return out
}

func (g *globals) openSettings() (*store.SQLiteStore, error) {
	path := g.dbPath
	if path == "" {
		var err error
		if path, err = store.DefaultPath(); err != nil {
			return nil, err
		}
	}
	creds, err := credential.NewManager()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(path, creds)
}

// env is everything a command needs once configuration is resolved.
type env struct {
	cfg      config.Config
	obs      *observe.Observer
	settings *store.SQLiteStore
	out      io.Writer
}

// setup resolves configuration and builds the logger. Logs go to stderr,
// or to logFile when set so a full-screen UI is not disturbed.
func (g *globals) setup(cmd *cobra.Command) (*env, error) {
	settings, err := g.openSettings()
	if err != nil {
		return nil, fmt.Errorf("failed to open settings: %w", err)
	}

	cfg, err := config.Load(config.Sources{
		EnvFile:  g.envFile,
		Environ:  g.environ,
		Settings: settings,
		Flags:    g.overrides(cmd),
	})
	if err != nil {
		settings.Close()
		return nil, err
	}

	var obs *observe.Observer
	switch {
	case g.logFile != "":
		obs, err = observe.NewFile(g.logFile, cfg.Debug)
		if err != nil {
			settings.Close()
			return nil, err
		}
	case g.jsonLogs:
		obs = observe.NewJSON(cmd.ErrOrStderr(), cfg.Debug)
	default:
		obs = observe.New(cmd.ErrOrStderr(), cfg.Debug)
	}
	obs.Log().Debug().Str("config", cfg.String()).Msg("configuration resolved")

	return &env{cfg: cfg, obs: obs, settings: settings, out: cmd.OutOrStdout()}, nil
}

func (e *env) close() {
	e.settings.Close()
	e.obs.Close()
}

// personas loads the persona directory and selects the configured default.
func (e *env) personas() (*persona.Store, error) {
	s, err := persona.Open(e.cfg.PersonasDir, e.obs)
	if err != nil {
		return nil, err
	}
	if s.Len() > 0 && !s.SetActive(e.cfg.DefaultPersona) {
		active, _ := s.Active()
		e.obs.Log().Warn().Str("wanted", e.cfg.DefaultPersona).Str("using", active.ID).Msg("default persona not found")
	}
	return s, nil
}

func (e *env) memory() (*memory.OpenMemory, error) {
	opts := []memory.Option{
		memory.WithListLimit(e.cfg.MaxMemoryItems),
		memory.WithObserver(e.obs),
	}
	if key, ok := e.cfg.MemoryAPIKey.Value(); ok {
		opts = append(opts, memory.WithAPIKey(key))
	}
	return memory.NewOpenMemory(e.cfg.MemoryURL, opts...)
}

func (e *env) generator(ctx context.Context) (provider.Generator, error) {
	return provider.New(ctx, e.cfg.ProviderConfig(),
		provider.WithTimeout(e.cfg.GenerationTimeout),
		provider.WithObserver(e.obs),
	)
}

func (e *env) orchestrator(personas chat.PersonaSource, mem chat.Memory, gen chat.Streamer) *chat.Orchestrator {
	return chat.New(personas, mem, gen,
		chat.WithGlobalPrompt(e.cfg.GlobalPrompt),
		chat.WithPersistOnCancel(e.cfg.PersistOnCancel),
		chat.WithObserver(e.obs),
	)
}

// closeGenerator releases backends that hold a client, such as gemini.
func closeGenerator(gen provider.Generator) {
	if c, ok := gen.(io.Closer); ok {
		c.Close()
	}
}

func defaultLogFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "wintermute.log")
	}
	return filepath.Join(home, ".wintermute", "wintermute.log")
}
