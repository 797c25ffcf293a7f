package persona

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrInvalid is returned when a persona fails validation.
	ErrInvalid = errors.New("invalid persona")
	// ErrNotFound is returned for an unknown persona id.
	ErrNotFound = errors.New("persona not found")
	// ErrExists is returned when creating a persona whose id is taken.
	ErrExists = errors.New("persona already exists")
)

const (
	// DefaultTemperature applies when a definition omits temperature.
	DefaultTemperature = 0.7
	MinTemperature     = 0.0
	MaxTemperature     = 2.0
)

// Persona is a named personality. Its ID doubles as the memory owner key.
type Persona struct {
	ID           string   `json:"id" yaml:"id" toml:"id"`
	Name         string   `json:"name" yaml:"name" toml:"name"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	Description  string   `json:"description" yaml:"description" toml:"description"`
	Temperature  float64  `json:"temperature" yaml:"temperature" toml:"temperature"`
	Traits       []string `json:"traits" yaml:"traits" toml:"traits"`
}

// ValidationResult represents the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Err returns nil for a valid result, otherwise ErrInvalid with every
// problem found.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(r.Errors, "; "))
}

// Validate checks required fields and bounds.
func (p Persona) Validate() ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}

	if strings.TrimSpace(p.ID) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "id is required")
	}

	if strings.TrimSpace(p.Name) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "name is required")
	}

	if strings.TrimSpace(p.SystemPrompt) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "system_prompt is required")
	} else if len(p.SystemPrompt) < 20 {
		res.Warnings = append(res.Warnings, "system_prompt is very short; the persona may drift out of character")
	}

	if math.IsNaN(p.Temperature) || p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("temperature %.2f is outside [%.1f, %.1f]", p.Temperature, MinTemperature, MaxTemperature))
	}

	if p.Description == "" {
		res.Warnings = append(res.Warnings, "no description")
	}

	return res
}

// safeID reports whether id can be used as a file name.
func safeID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
