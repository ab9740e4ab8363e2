// -----------------------------------------------------------------------
// Statement - Lifecycle tracker for one submitted statement
// -----------------------------------------------------------------------

// Package statement tracks the lifecycle of submitted statements.
//
// A statement is created running, bound to the pending result of its
// asynchronous evaluation, and transitions exactly once when that handle
// settles: available on success, error on failure. The tracker holds no
// output and no error detail; callers needing either query the handle.
package statement

import (
	"sync/atomic"

	"github.com/ternarybob/perago/internal/models"
)

// Atomic state words. The watcher goroutine is the only writer; readers
// load concurrently through State.
const (
	stateRunning int32 = iota
	stateAvailable
	stateError
)

// Statement tracks one submitted statement.
//
// ID is assigned by the owning session and is unique within it. Code is
// the opaque request payload, immutable after construction.
type Statement struct {
	id      int
	code    string
	pending *PendingResult
	state   atomic.Int32
}

// New creates a statement in the running state and starts a watcher that
// performs the single settlement transition when the handle resolves.
// A handle that settled before construction transitions immediately.
func New(id int, code string, pending *PendingResult) *Statement {
	s := &Statement{
		id:      id,
		code:    code,
		pending: pending,
	}
	go s.watch()
	return s
}

// watch blocks on the handle and applies the one allowed transition.
// The compare-and-swap from running guarantees the transition happens at
// most once regardless of how the handle was settled.
func (s *Statement) watch() {
	<-s.pending.Done()
	_, err := s.pending.Outcome()
	next := stateAvailable
	if err != nil {
		next = stateError
	}
	s.state.CompareAndSwap(stateRunning, next)
}

// ID returns the session-scoped statement id
func (s *Statement) ID() int {
	return s.id
}

// Code returns the submitted payload
func (s *Statement) Code() string {
	return s.code
}

// Pending returns the settlement handle for callers that need result or
// error detail
func (s *Statement) Pending() *PendingResult {
	return s.pending
}

// State returns the current lifecycle state. Safe to call concurrently
// with the watcher firing.
func (s *Statement) State() models.StatementState {
	switch s.state.Load() {
	case stateAvailable:
		return models.StatementStateAvailable
	case stateError:
		return models.StatementStateError
	default:
		return models.StatementStateRunning
	}
}

// Settled reports whether the statement has reached a terminal state
func (s *Statement) Settled() bool {
	return s.State().IsTerminal()
}

// View returns the API projection of the statement
func (s *Statement) View() *models.StatementView {
	return &models.StatementView{
		ID:    s.id,
		State: s.State(),
	}
}
