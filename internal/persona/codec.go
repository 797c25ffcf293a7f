package persona

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// filePattern matches every definition format Decode understands.
const filePattern = "*.{json,yaml,yml,toml}"

// definition mirrors Persona with optional fields left nil when absent.
type definition struct {
	ID           string   `json:"id" yaml:"id" toml:"id"`
	Name         string   `json:"name" yaml:"name" toml:"name"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	Description  string   `json:"description" yaml:"description" toml:"description"`
	Temperature  *float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	Traits       []string `json:"traits" yaml:"traits" toml:"traits"`
}

// Decode parses one persona definition. The format is the file extension
// (".json", ".yaml", ".yml" or ".toml"). The result is validated.
func Decode(data []byte, ext string) (Persona, error) {
	var def definition
	var err error

	switch strings.ToLower(ext) {
	case ".json":
		err = json.Unmarshal(data, &def)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &def)
	case ".toml":
		err = toml.Unmarshal(data, &def)
	default:
		return Persona{}, fmt.Errorf("unsupported persona format: %s (use .json, .yaml or .toml)", ext)
	}
	if err != nil {
		return Persona{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	p := Persona{
		ID:           strings.TrimSpace(def.ID),
		Name:         strings.TrimSpace(def.Name),
		SystemPrompt: def.SystemPrompt,
		Description:  def.Description,
		Temperature:  DefaultTemperature,
		Traits:       def.Traits,
	}
	if def.Temperature != nil {
		p.Temperature = *def.Temperature
	}
	if p.Traits == nil {
		p.Traits = []string{}
	}

	if err := p.Validate().Err(); err != nil {
		return Persona{}, err
	}
	return p, nil
}

// LoadFile reads and decodes the definition at path.
func LoadFile(path string) (Persona, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return Persona{}, fmt.Errorf("failed to read persona file: %w", err)
	}
	return Decode(data, filepath.Ext(path))
}

// Encode renders p in the format named by ext.
func Encode(p Persona, ext string) ([]byte, error) {
	if p.Traits == nil {
		p.Traits = []string{}
	}

	switch strings.ToLower(ext) {
	case ".json":
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case ".yaml", ".yml":
		return yaml.Marshal(p)
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(p); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported persona format: %s (use .json, .yaml or .toml)", ext)
	}
}

// writeFile stores p at path, creating the directory when needed. With
// exclusive set, an existing file at path is ErrExists and is left untouched.
func writeFile(path string, p Persona, exclusive bool) error {
	data, err := Encode(p, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("failed to marshal persona: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create persona directory: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if exclusive {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644) // #nosec G304
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s already exists", ErrExists, filepath.Base(path))
		}
		return fmt.Errorf("failed to save persona: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to save persona: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to save persona: %w", err)
	}
	return nil
}
