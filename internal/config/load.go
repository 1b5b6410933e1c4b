package config

import (
	"errors"
	"fmt"
	"os"
)

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves and reads the config file, applies environment overrides,
// and validates the result.
func Load(explicitPath string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	loaded := Loaded{Path: resolvedPath, Config: Default()}
	content, err := os.ReadFile(resolvedPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		loaded.Warnings = append(loaded.Warnings, Warning{
			Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath),
		})
	case err != nil:
		return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
	default:
		loaded.Exists = true
		if err := decode(content, &loaded.Config); err != nil {
			return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
		}
	}

	if err := ApplyEnv(&loaded.Config, os.LookupEnv); err != nil {
		return Loaded{}, err
	}

	warnings, err := Validate(loaded.Config)
	if err != nil {
		return Loaded{}, fmt.Errorf("config %q: %w", resolvedPath, err)
	}
	loaded.Warnings = append(loaded.Warnings, warnings...)
	return loaded, nil
}
