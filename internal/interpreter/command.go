// -----------------------------------------------------------------------
// Command Interpreter - Process-per-statement execution
// -----------------------------------------------------------------------

package interpreter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/models"
)

// CommandInterpreter runs each statement as one process invocation.
//
// The definition supplies the argv prefix; the statement code is either
// appended as the final argument or piped on stdin. Stdout becomes the
// text/plain output; a non-zero exit, spawn failure or timeout fails the
// evaluation with the trailing stderr line in the error.
type CommandInterpreter struct {
	def     *Definition
	logger  arbor.ILogger
	timeout time.Duration
	env     []string
	count   int
}

// NewCommand creates a command interpreter from a definition.
// Env references in the definition are expanded against the process
// environment at construction time.
func NewCommand(def *Definition, defaultTimeout time.Duration, logger arbor.ILogger) *CommandInterpreter {
	envMap := environMap()
	env := os.Environ()
	for name, value := range def.Env {
		expanded := common.ReplaceKeyReferences(value, envMap, logger)
		env = append(env, name+"="+expanded)
	}

	return &CommandInterpreter{
		def:     def,
		logger:  logger,
		timeout: def.TimeoutOrDefault(defaultTimeout),
		env:     env,
	}
}

// Kind returns the definition's kind name
func (c *CommandInterpreter) Kind() string {
	return c.def.Kind
}

// Start verifies the command binary is reachable
func (c *CommandInterpreter) Start(ctx context.Context) error {
	path, err := exec.LookPath(c.def.Command[0])
	if err != nil {
		return fmt.Errorf("interpreter command not found: %w", err)
	}

	c.logger.Debug().
		Str("kind", c.def.Kind).
		Str("command", path).
		Msg("Command interpreter ready")

	return nil
}

// Execute runs one statement to completion
func (c *CommandInterpreter) Execute(ctx context.Context, code string) (*models.StatementOutput, error) {
	c.count++

	execCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	argv := c.def.Command
	if c.def.codeViaOrDefault() == CodeViaArg {
		argv = append(append([]string{}, c.def.Command...), code)
	}

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Env = c.env
	cmd.Dir = c.def.WorkDir

	if c.def.codeViaOrDefault() == CodeViaStdin {
		cmd.Stdin = strings.NewReader(code)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("statement timed out after %s", c.timeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("statement canceled: %w", ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := lastLine(stderr.String())
			if detail == "" {
				detail = lastLine(stdout.String())
			}
			if detail == "" {
				return nil, fmt.Errorf("command failed with exit status %d", exitErr.ExitCode())
			}
			return nil, fmt.Errorf("command failed with exit status %d: %s", exitErr.ExitCode(), detail)
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}

	c.logger.Debug().
		Str("kind", c.def.Kind).
		Int("execution_count", c.count).
		Dur("duration", elapsed).
		Msg("Statement executed")

	return models.NewOKOutput(c.count, strings.TrimRight(stdout.String(), "\n")), nil
}

// Close releases resources; command interpreters hold none between
// statements
func (c *CommandInterpreter) Close() error {
	return nil
}

// lastLine returns the final non-empty line of process output
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// environMap converts os.Environ into a lookup map for reference
// expansion
func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.Index(kv, "="); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	return env
}
