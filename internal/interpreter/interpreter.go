// -----------------------------------------------------------------------
// Interpreter - Statement execution backends for interactive sessions
// -----------------------------------------------------------------------

// Package interpreter provides the execution backends sessions submit
// statements to. A kind names a backend; kinds are either builtin or
// declared in YAML definition files.
package interpreter

import (
	"context"
	"errors"

	"github.com/ternarybob/perago/internal/models"
)

// ErrUnknownKind is returned when no definition exists for a kind
var ErrUnknownKind = errors.New("unknown interpreter kind")

// Interpreter executes statements for a single session.
//
// Implementations are driven by the session's runner goroutine, one
// statement at a time; they do not need to be safe for concurrent
// Execute calls. Execute must honor context cancellation.
type Interpreter interface {
	// Kind returns the interpreter kind name
	Kind() string

	// Start prepares the interpreter for execution
	Start(ctx context.Context) error

	// Execute evaluates one statement and returns its output.
	// A non-nil error means the evaluation failed; the statement
	// settles as error and no output is produced.
	Execute(ctx context.Context, code string) (*models.StatementOutput, error)

	// Close releases interpreter resources
	Close() error
}
