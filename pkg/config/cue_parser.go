package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// Loader reads executor configuration from YAML, JSON or CUE files. Every
// document is checked against the #Executor schema before it is decoded
// over the defaults.
type Loader struct {
	schemas *SchemaRegistry
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{schemas: NewSchemaRegistry()}
}

// Load reads path, or returns the defaults when path is empty.
func Load(path string) (*ExecutorConfig, error) {
	if path == "" {
		cfg := DefaultExecutorConfig()
		cfg.ApplyDefaults()
		return cfg, cfg.Validate()
	}
	return NewLoader().LoadFile(path)
}

// LoadFile reads a configuration file. The format is chosen by extension:
// .cue is CUE, anything else is YAML (which includes JSON).
func (l *Loader) LoadFile(path string) (*ExecutorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return l.LoadCUE(path, data)
	}
	return l.LoadYAML(path, data)
}

// LoadYAML parses a YAML or JSON document.
func (l *Loader) LoadYAML(name string, data []byte) (*ExecutorConfig, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	val := l.schemas.Context().Encode(raw)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if _, err := l.schemas.Check("executor", val); err != nil {
		return nil, convertCUEErrors(name, err)
	}

	return decode(name, data)
}

// LoadCUE evaluates a CUE document. The document may use any CUE feature
// (references, comprehensions, defaults) as long as the result is
// concrete.
func (l *Loader) LoadCUE(name string, data []byte) (*ExecutorConfig, error) {
	val := l.schemas.Context().CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(name, err)
	}
	unified, err := l.schemas.Check("executor", val)
	if err != nil {
		return nil, convertCUEErrors(name, err)
	}

	// JSON is valid YAML, so the YAML decoder handles durations and
	// defaults the same way for both formats.
	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", name, err)
	}
	return decode(name, out)
}

// decode applies data over the defaults, fills derived paths and
// validates the result.
func decode(name string, data []byte) (*ExecutorConfig, error) {
	cfg := DefaultExecutorConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(name string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:    name,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		for _, pos := range errors.Positions(e) {
			if pos.Filename() == name {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: name, Message: err.Error()})
	}
	return out
}

// Marshal renders cfg as YAML.
func Marshal(cfg *ExecutorConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}
