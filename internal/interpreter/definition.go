package interpreter

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Code delivery modes for command interpreters
const (
	CodeViaArg   = "arg"   // code appended as the final argv element
	CodeViaStdin = "stdin" // code piped to the process on stdin
)

// Definition declares a command-backed interpreter kind.
//
// Definitions are loaded from YAML files in the configured definitions
// directory, one definition per file. Env values may reference process
// environment variables with {name} placeholders; references are
// expanded when a session starts.
type Definition struct {
	Kind    string            `yaml:"kind" validate:"required,max=64"`
	Command []string          `yaml:"command" validate:"required,min=1,dive,required"`
	CodeVia string            `yaml:"code_via" validate:"omitempty,oneof=arg stdin"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"workdir"`
	Timeout string            `yaml:"timeout"`
}

// Validate validates the definition using go-playground/validator plus
// the duration field
func (d *Definition) Validate() error {
	validate := validator.New()
	if err := validate.Struct(d); err != nil {
		return err
	}
	if d.Timeout != "" {
		if _, err := time.ParseDuration(d.Timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", d.Timeout, err)
		}
	}
	return nil
}

// TimeoutOrDefault returns the per-statement timeout, falling back to
// the service default when the definition does not set one
func (d *Definition) TimeoutOrDefault(def time.Duration) time.Duration {
	if d.Timeout == "" {
		return def
	}
	parsed, err := time.ParseDuration(d.Timeout)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

// codeViaOrDefault normalizes the delivery mode, defaulting to arg
func (d *Definition) codeViaOrDefault() string {
	if d.CodeVia == "" {
		return CodeViaArg
	}
	return d.CodeVia
}

// builtinDefinitions returns the command kinds available without any
// definition files. YAML definitions with the same kind take precedence.
func builtinDefinitions() []*Definition {
	return []*Definition{
		{
			Kind:    "shell",
			Command: []string{"/bin/sh", "-c"},
			CodeVia: CodeViaArg,
		},
	}
}
