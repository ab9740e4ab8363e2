package interpreter

import (
	"context"

	"github.com/ternarybob/perago/internal/models"
)

// EchoKind is the builtin no-dependency interpreter kind
const EchoKind = "echo"

// EchoInterpreter returns each statement's code as its own output.
// It needs no external processes, which makes it the smoke-test backend
// and the fallback kind on hosts without any configured interpreters.
type EchoInterpreter struct {
	count int
}

// NewEcho creates an echo interpreter
func NewEcho() *EchoInterpreter {
	return &EchoInterpreter{}
}

// Kind returns the echo kind name
func (e *EchoInterpreter) Kind() string {
	return EchoKind
}

// Start is a no-op for echo
func (e *EchoInterpreter) Start(ctx context.Context) error {
	return nil
}

// Execute reflects the code back as text/plain output
func (e *EchoInterpreter) Execute(ctx context.Context, code string) (*models.StatementOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.count++
	return models.NewOKOutput(e.count, code), nil
}

// Close is a no-op for echo
func (e *EchoInterpreter) Close() error {
	return nil
}
