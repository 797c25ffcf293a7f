// Package config resolves wintermute settings. Values are layered, lowest
// precedence first: built-in defaults, a .env file, the process
// environment, settings saved with "wintermute config set", and finally
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/felixgeelhaar/wintermute/internal/provider"
)

// ErrInvalid is returned for a value that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// ErrUnknownKey is returned for a setting key wintermute does not read.
var ErrUnknownKey = errors.New("unknown configuration key")

// DefaultGlobalPrompt keeps every persona in character.
const DefaultGlobalPrompt = "You are engaging in a conversation as a character with a distinct personality. " +
	"While you can be helpful and provide assistance, you are meant to approximate talking with a real person " +
	"with your own perspectives, experiences, and manner of speaking. " +
	"Never break character by saying you are an AI, artificial intelligence, or language model. " +
	"Stay true to your character's personality and background."

// Secret is an optional sensitive value. The zero value is absent.
type Secret struct {
	value string
}

// NewSecret wraps v; an empty v is absent.
func NewSecret(v string) Secret {
	return Secret{value: v}
}

// Value returns the secret and whether it is set.
func (s Secret) Value() (string, bool) {
	return s.value, s.value != ""
}

func (s Secret) String() string {
	if s.value == "" {
		return "<unset>"
	}
	return "***"
}

// Config is the resolved configuration.
type Config struct {
	OllamaURL      string
	OllamaModel    string
	MemoryURL      string
	MemoryAPIKey   Secret
	DefaultPersona string
	MaxMemoryItems int
	GlobalPrompt   string
	Debug          bool
	PersonasDir    string

	Provider          string
	Model             string // overrides the selected provider's model
	GenerationTimeout time.Duration
	OpenAIAPIKey      Secret
	OpenAIBaseURL     string
	GeminiAPIKey      Secret
	AnthropicAPIKey   Secret

	PersistOnCancel bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		OllamaURL:         provider.DefaultOllamaURL,
		OllamaModel:       provider.DefaultOllamaModel,
		MemoryURL:         "http://localhost:8080",
		DefaultPersona:    "default",
		MaxMemoryItems:    100,
		GlobalPrompt:      DefaultGlobalPrompt,
		PersonasDir:       "./characters",
		Provider:          "ollama",
		GenerationTimeout: provider.DefaultTimeout,
	}
}

// key binds one setting to its environment variable and Config field.
type key struct {
	env     string
	setting string
	apply   func(c *Config, v string) error
}

var keys = []key{
	{"OLLAMA_URL", "ollama.url", func(c *Config, v string) error { c.OllamaURL = v; return nil }},
	{"OLLAMA_MODEL", "ollama.model", func(c *Config, v string) error { c.OllamaModel = v; return nil }},
	{"OPENMEMORY_URL", "memory.url", func(c *Config, v string) error { c.MemoryURL = v; return nil }},
	{"OPENMEMORY_API_KEY", "memory.api_key", func(c *Config, v string) error { c.MemoryAPIKey = NewSecret(v); return nil }},
	{"DEFAULT_CHARACTER", "persona.default", func(c *Config, v string) error { c.DefaultPersona = v; return nil }},
	{"MAX_MEMORY_ITEMS", "memory.max_items", func(c *Config, v string) error { return parseInt(v, &c.MaxMemoryItems) }},
	{"GLOBAL_SYSTEM_PROMPT", "prompt.global", func(c *Config, v string) error { c.GlobalPrompt = v; return nil }},
	{"DEBUG", "debug", func(c *Config, v string) error { return parseBool(v, &c.Debug) }},
	{"PERSONAS_DIR", "persona.dir", func(c *Config, v string) error { c.PersonasDir = v; return nil }},
	{"GENERATION_TIMEOUT", "generation.timeout", func(c *Config, v string) error { return parseDuration(v, &c.GenerationTimeout) }},
	{"WINTERMUTE_PROVIDER", "provider.name", func(c *Config, v string) error { c.Provider = strings.ToLower(v); return nil }},
	{"WINTERMUTE_MODEL", "provider.model", func(c *Config, v string) error { c.Model = v; return nil }},
	{"OPENAI_API_KEY", "openai.api_key", func(c *Config, v string) error { c.OpenAIAPIKey = NewSecret(v); return nil }},
	{"OPENAI_BASE_URL", "openai.base_url", func(c *Config, v string) error { c.OpenAIBaseURL = v; return nil }},
	{"GEMINI_API_KEY", "gemini.api_key", func(c *Config, v string) error { c.GeminiAPIKey = NewSecret(v); return nil }},
	{"ANTHROPIC_API_KEY", "anthropic.api_key", func(c *Config, v string) error { c.AnthropicAPIKey = NewSecret(v); return nil }},
	{"PERSIST_ON_CANCEL", "chat.persist_on_cancel", func(c *Config, v string) error { return parseBool(v, &c.PersistOnCancel) }},
}

// Settings is a store of saved values keyed by setting name.
type Settings interface {
	GetConfig(key string) (string, bool, error)
}

// Sources lists where Load reads from. Zero fields are skipped.
type Sources struct {
	// EnvFile is the .env path. A missing file is ignored.
	EnvFile string
	// Environ looks up environment variables; os.LookupEnv when nil.
	Environ func(string) (string, bool)
	// Settings holds values saved with "config set".
	Settings Settings
	// Flags are command-line values keyed by setting name.
	Flags map[string]string
}

// Load resolves the configuration from src and validates it.
func Load(src Sources) (Config, error) {
	cfg := Default()

	dotenv := map[string]string{}
	if src.EnvFile != "" {
		m, err := godotenv.Read(src.EnvFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("failed to read %s: %w", src.EnvFile, err)
		}
	}
	environ := src.Environ
	if environ == nil {
		environ = os.LookupEnv
	}

	for _, k := range keys {
		v, ok := dotenv[k.env]
		if ev, found := environ(k.env); found {
			v, ok = ev, true
		}
		if src.Settings != nil {
			sv, found, err := src.Settings.GetConfig(k.setting)
			if err != nil {
				return Config{}, fmt.Errorf("failed to read setting %s: %w", k.setting, err)
			}
			if found {
				v, ok = sv, true
			}
		}
		if fv, found := src.Flags[k.setting]; found {
			v, ok = fv, true
		}
		if !ok {
			continue
		}
		if err := k.apply(&cfg, strings.TrimSpace(v)); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalid, k.setting, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first unusable value.
func (c Config) Validate() error {
	if err := checkURL(c.OllamaURL); err != nil {
		return fmt.Errorf("%w: ollama.url: %w", ErrInvalid, err)
	}
	if err := checkURL(c.MemoryURL); err != nil {
		return fmt.Errorf("%w: memory.url: %w", ErrInvalid, err)
	}
	if c.OpenAIBaseURL != "" {
		if err := checkURL(c.OpenAIBaseURL); err != nil {
			return fmt.Errorf("%w: openai.base_url: %w", ErrInvalid, err)
		}
	}
	if c.MaxMemoryItems <= 0 {
		return fmt.Errorf("%w: memory.max_items must be greater than 0, got %d", ErrInvalid, c.MaxMemoryItems)
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("%w: generation.timeout must be positive, got %s", ErrInvalid, c.GenerationTimeout)
	}
	if !provider.Known(c.Provider) {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
	}
	return nil
}

// ProviderConfig selects the generation backend settings for c.Provider.
func (c Config) ProviderConfig() provider.Config {
	pc := provider.Config{Name: c.Provider, Model: c.Model}
	switch c.Provider {
	case "ollama", "":
		pc.BaseURL = c.OllamaURL
		if pc.Model == "" {
			pc.Model = c.OllamaModel
		}
	case "openai":
		pc.BaseURL = c.OpenAIBaseURL
		pc.APIKey, _ = c.OpenAIAPIKey.Value()
	case "gemini":
		pc.APIKey, _ = c.GeminiAPIKey.Value()
	case "anthropic":
		pc.APIKey, _ = c.AnthropicAPIKey.Value()
	}
	return pc
}

// String renders the configuration with secrets masked.
func (c Config) String() string {
	return fmt.Sprintf("Config(provider=%s, ollama_url=%s, ollama_model=%s, model=%s, openmemory_url=%s, "+
		"openmemory_api_key=%s, default_character=%s, max_memory_items=%d, personas_dir=%s, timeout=%s, "+
		"persist_on_cancel=%t, debug=%t, openai_api_key=%s, gemini_api_key=%s, anthropic_api_key=%s)",
		c.Provider, c.OllamaURL, c.OllamaModel, c.Model, c.MemoryURL,
		c.MemoryAPIKey, c.DefaultPersona, c.MaxMemoryItems, c.PersonasDir, c.GenerationTimeout,
		c.PersistOnCancel, c.Debug, c.OpenAIAPIKey, c.GeminiAPIKey, c.AnthropicAPIKey)
}

// Keys returns every setting name, sorted.
func Keys() []string {
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.setting)
	}
	sort.Strings(names)
	return names
}

// CheckSetting validates value for the setting name without loading
// anything, so "config set" can reject bad input before saving it.
func CheckSetting(name, value string) error {
	for _, k := range keys {
		if k.setting != name {
			continue
		}
		cfg := Default()
		if err := k.apply(&cfg, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, name, err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownKey, name)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%q is not a number", v)
	}
	*dst = n
	return nil
}

func parseBool(v string, dst *bool) error {
	if v == "" {
		*dst = false
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%q is not a boolean", v)
	}
	*dst = b
	return nil
}

// parseDuration accepts Go durations ("45s") and bare seconds ("45").
func parseDuration(v string, dst *time.Duration) error {
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%q is not a duration", v)
	}
	*dst = d
	return nil
}
