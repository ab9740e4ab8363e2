// -----------------------------------------------------------------------
// Pending Result - One-shot settlement handle for async evaluation
// -----------------------------------------------------------------------

package statement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/perago/internal/models"
)

// ErrNotSettled is returned by Outcome before the handle has settled
var ErrNotSettled = errors.New("statement: result not settled")

// outcome holds the settled result of an evaluation
type outcome struct {
	output *models.StatementOutput
	err    error
}

// PendingResult is a one-shot handle for an asynchronous evaluation.
//
// The handle settles exactly once, through Complete or Fail; the first
// settlement wins and later calls are no-ops. Waiters observe settlement
// through Done or Wait, and read the result through Outcome. Callers that
// need result or error detail always come back to the handle; the
// statement tracker above it never stores either.
type PendingResult struct {
	once   sync.Once
	done   chan struct{}
	result atomic.Pointer[outcome]
}

// NewPendingResult creates an unsettled handle
func NewPendingResult() *PendingResult {
	return &PendingResult{
		done: make(chan struct{}),
	}
}

// Complete settles the handle with a successful output
func (p *PendingResult) Complete(output *models.StatementOutput) {
	p.settle(&outcome{output: output})
}

// Fail settles the handle with a failure
func (p *PendingResult) Fail(err error) {
	if err == nil {
		err = errors.New("evaluation failed")
	}
	p.settle(&outcome{err: err})
}

// settle stores the outcome before closing done so waiters never observe
// a closed channel without a result
func (p *PendingResult) settle(o *outcome) {
	p.once.Do(func() {
		p.result.Store(o)
		close(p.done)
	})
}

// Done returns a channel closed once the handle has settled
func (p *PendingResult) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the handle has settled without blocking
func (p *PendingResult) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the handle settles or the context is done
func (p *PendingResult) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome returns the settled output or failure.
// Before settlement it returns ErrNotSettled.
func (p *PendingResult) Outcome() (*models.StatementOutput, error) {
	o := p.result.Load()
	if o == nil {
		return nil, ErrNotSettled
	}
	return o.output, o.err
}
