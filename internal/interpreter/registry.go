// -----------------------------------------------------------------------
// Registry - Interpreter kind definitions and discovery
// -----------------------------------------------------------------------

package interpreter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"
)

// Registry holds the interpreter kinds available to new sessions.
//
// Builtin kinds (echo, shell) are always present; YAML definition files
// override builtins of the same kind.
type Registry struct {
	logger         arbor.ILogger
	defaultTimeout time.Duration

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates a registry seeded with the builtin kinds
func NewRegistry(defaultTimeout time.Duration, logger arbor.ILogger) *Registry {
	defs := make(map[string]*Definition)
	for _, def := range builtinDefinitions() {
		defs[def.Kind] = def
	}

	return &Registry{
		logger:         logger,
		defaultTimeout: defaultTimeout,
		defs:           defs,
	}
}

// LoadDir discovers definition files under dir (recursively, *.yaml and
// *.yml) and registers them. A missing directory is not an error; a
// malformed definition is.
func (r *Registry) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		r.logger.Debug().
			Str("dir", dir).
			Msg("Interpreter definitions directory does not exist, using builtins only")
		return nil
	}

	pattern := filepath.Join(dir, "**", "*.{yaml,yml}")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return fmt.Errorf("failed to glob interpreter definitions: %w", err)
	}
	sort.Strings(matches)

	for _, path := range matches {
		def, err := loadDefinitionFile(path)
		if err != nil {
			return fmt.Errorf("definition %s: %w", path, err)
		}
		r.register(def)

		r.logger.Info().
			Str("kind", def.Kind).
			Str("file", path).
			Msg("Interpreter definition loaded")
	}

	return nil
}

// loadDefinitionFile parses and validates a single YAML definition
func loadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}

	return &def, nil
}

// register adds or replaces a definition by kind
func (r *Registry) register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Kind] = def
}

// Kinds returns all available kind names, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.defs)+1)
	if _, ok := r.defs[EchoKind]; !ok {
		kinds = append(kinds, EchoKind)
	}
	for kind := range r.defs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Has reports whether a kind is available
func (r *Registry) Has(kind string) bool {
	if kind == EchoKind {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[kind]
	return ok
}

// New constructs a fresh interpreter instance for a session.
// A definition registered under the echo kind takes precedence over the
// builtin.
func (r *Registry) New(kind string) (Interpreter, error) {
	r.mu.RLock()
	def, ok := r.defs[kind]
	r.mu.RUnlock()

	if ok {
		return NewCommand(def, r.defaultTimeout, r.logger), nil
	}
	if kind == EchoKind {
		return NewEcho(), nil
	}

	return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnknownKind, kind, strings.Join(r.Kinds(), ", "))
}
