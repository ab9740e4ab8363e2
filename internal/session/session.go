// -----------------------------------------------------------------------
// Session - One interpreter instance with a serial statement runner
// -----------------------------------------------------------------------

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/interpreter"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/redaction"
	"github.com/ternarybob/perago/internal/statement"
)

var (
	// ErrCannotAccept is returned when a session's state rules out new
	// statements
	ErrCannotAccept = errors.New("session cannot accept statements")

	// ErrQueueFull is returned when the pending statement queue is at
	// capacity
	ErrQueueFull = errors.New("statement queue full")

	// ErrSessionClosed settles statements that were still queued when
	// their session shut down
	ErrSessionClosed = errors.New("session closed")

	// ErrStatementCanceled settles statements canceled before their
	// evaluation finished
	ErrStatementCanceled = errors.New("statement canceled")
)

// work is one queued statement awaiting the runner
type work struct {
	pending *statement.PendingResult
	record  *models.StatementRecord
	code    string
}

// Session owns one interpreter and executes its statements serially.
//
// Statements are accepted while the session is idle or busy, queued, and
// run one at a time by a single runner goroutine in submission order. The
// runner settles each statement's handle, persists its record and output,
// and publishes lifecycle events. All other goroutines observe statements
// through the tracker registry and the settlement handles.
type Session struct {
	id   string
	name string
	kind string

	interp interpreter.Interpreter

	mu         sync.RWMutex
	record     *models.SessionRecord
	statements map[int]*statement.Statement
	nextID     int
	execID     int
	execCancel context.CancelFunc

	queue     chan work
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	runCtx    context.Context
	cancelRun context.CancelFunc

	storage  interfaces.StorageManager
	events   interfaces.EventService
	redactor *redaction.Engine
	logger   arbor.ILogger
}

// newSession constructs a session in the starting state and spawns its
// startup and runner goroutines. Sessions are created via the Manager.
func newSession(record *models.SessionRecord, interp interpreter.Interpreter, maxPending int, storage interfaces.StorageManager, events interfaces.EventService, redactor *redaction.Engine, logger arbor.ILogger) *Session {
	if maxPending <= 0 {
		maxPending = 1
	}

	runCtx, cancelRun := context.WithCancel(context.Background())

	s := &Session{
		id:         record.ID,
		name:       record.Name,
		kind:       record.Kind,
		interp:     interp,
		record:     record,
		statements: make(map[int]*statement.Statement),
		execID:     -1,
		queue:      make(chan work, maxPending),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		runCtx:     runCtx,
		cancelRun:  cancelRun,
		storage:    storage,
		events:     events,
		redactor:   redactor,
		logger:     logger,
	}

	common.SafeGo(logger, "session.start."+s.id, s.start)
	common.SafeGo(logger, "session.run."+s.id, s.run)

	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Name returns the optional session name
func (s *Session) Name() string {
	return s.name
}

// Kind returns the interpreter kind the session is bound to
func (s *Session) Kind() string {
	return s.kind
}

// State returns the current lifecycle state
func (s *Session) State() models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.State
}

// View returns the API representation of the session
func (s *Session) View() *models.SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.View()
}

// IdleSince returns how long the session has been without activity
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.IdleSince(now)
}

// Submit queues one statement for execution and returns its tracker.
//
// Ids are assigned monotonically from 0. The call returns as soon as the
// statement is queued; callers observe progress through the tracker and
// its settlement handle.
func (s *Session) Submit(code string) (*statement.Statement, error) {
	s.mu.Lock()

	if !s.record.State.CanAccept() {
		state := s.record.State
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrCannotAccept, state)
	}

	id := s.nextID
	pending := statement.NewPendingResult()
	record := models.NewStatementRecord(s.id, id, code)

	select {
	case s.queue <- work{pending: pending, record: record, code: code}:
	default:
		s.mu.Unlock()
		return nil, ErrQueueFull
	}

	stmt := statement.New(id, code, pending)
	s.statements[id] = stmt
	s.nextID++
	s.record.StatementCount = s.nextID
	s.record.Touch()
	snapshot := *s.record
	s.mu.Unlock()

	s.persistSession(&snapshot)
	s.persistStatement(record)

	s.logger.Debug().
		Str("session_id", s.id).
		Int("statement_id", id).
		Str("code", s.redactCode(code)).
		Msg("Statement submitted")

	s.publish(interfaces.EventStatementSubmitted, map[string]interface{}{
		"session_id":   s.id,
		"statement_id": id,
		"code":         s.redactCode(code),
	})

	return stmt, nil
}

// Statement returns the tracker for one statement id
func (s *Session) Statement(id int) (*statement.Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stmt, ok := s.statements[id]
	if !ok {
		return nil, models.ErrStatementNotFound
	}
	return stmt, nil
}

// Statements returns all trackers in submission order
func (s *Session) Statements() []*statement.Statement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*statement.Statement, 0, s.nextID)
	for id := 0; id < s.nextID; id++ {
		if stmt, ok := s.statements[id]; ok {
			result = append(result, stmt)
		}
	}
	return result
}

// Cancel settles a still-running statement with ErrStatementCanceled.
// Canceling a settled statement is a no-op; its state keeps the settled
// value. When the statement is mid-execution its interpreter context is
// canceled as well.
func (s *Session) Cancel(id int) error {
	s.mu.RLock()
	stmt, ok := s.statements[id]
	execCancel := s.execCancel
	executing := s.execID == id
	s.mu.RUnlock()

	if !ok {
		return models.ErrStatementNotFound
	}
	if stmt.Settled() {
		return nil
	}

	stmt.Pending().Fail(ErrStatementCanceled)

	// First settlement wins; if the evaluation settled first this cancel
	// changed nothing and is reported as the no-op it was.
	if _, err := stmt.Pending().Outcome(); !errors.Is(err, ErrStatementCanceled) {
		return nil
	}

	if executing && execCancel != nil {
		execCancel()
	}

	s.logger.Info().
		Str("session_id", s.id).
		Int("statement_id", id).
		Msg("Statement canceled")

	s.publish(interfaces.EventStatementCanceled, map[string]interface{}{
		"session_id":   s.id,
		"statement_id": id,
	})

	return nil
}

// Close shuts the session down: no new statements are accepted, the
// in-flight statement's context is canceled, queued statements settle
// with ErrSessionClosed, and the interpreter is closed. The session ends
// in the dead state.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if record, changed := s.transition(models.SessionStateShuttingDown); changed {
			s.persistSession(record)
			s.publishState(record.State)
		}
		close(s.stopCh)
		s.cancelRun()
	})

	select {
	case <-s.doneCh:
	case <-ctx.Done():
		s.logger.Warn().
			Str("session_id", s.id).
			Msg("Session runner did not stop before deadline")
	}

	err := s.interp.Close()

	if record, changed := s.transition(models.SessionStateDead); changed {
		s.persistSession(record)
		s.publishState(record.State)
		s.logger.Info().Str("session_id", s.id).Msg("Session closed")
	}

	return err
}

// start runs the interpreter startup and moves the session to idle, or
// to error when the interpreter cannot start.
func (s *Session) start() {
	if err := s.interp.Start(s.runCtx); err != nil {
		s.logger.Warn().
			Err(err).
			Str("session_id", s.id).
			Str("kind", s.kind).
			Msg("Interpreter failed to start")

		s.mu.Lock()
		changed := s.record.State == models.SessionStateStarting
		if changed {
			s.record.MarkState(models.SessionStateError)
		}
		snapshot := *s.record
		s.mu.Unlock()

		if changed {
			s.persistSession(&snapshot)
			s.publishState(snapshot.State)
		}
		return
	}

	s.mu.Lock()
	changed := s.record.State == models.SessionStateStarting
	if changed {
		s.record.MarkState(models.SessionStateIdle)
		s.record.Touch()
	}
	snapshot := *s.record
	s.mu.Unlock()

	if changed {
		s.persistSession(&snapshot)
		s.publishState(snapshot.State)
		s.logger.Info().
			Str("session_id", s.id).
			Str("kind", s.kind).
			Msg("Session ready")
	}
}

// run is the single runner goroutine. It executes queued statements
// serially and drains the queue on shutdown.
func (s *Session) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			s.drain()
			return
		case w := <-s.queue:
			s.execute(w)
		}
	}
}

// drain settles everything left in the queue with ErrSessionClosed
func (s *Session) drain() {
	for {
		select {
		case w := <-s.queue:
			w.pending.Fail(ErrSessionClosed)
			s.settle(w)
		default:
			return
		}
	}
}

// execute runs one statement through the interpreter and settles it
func (s *Session) execute(w work) {
	// A shutdown may have raced the queue receive
	select {
	case <-s.stopCh:
		w.pending.Fail(ErrSessionClosed)
		s.settle(w)
		return
	default:
	}

	// Canceled while queued: settle bookkeeping, skip the interpreter
	if w.pending.Settled() {
		s.settle(w)
		return
	}

	if record, changed := s.transitionFrom(models.SessionStateIdle, models.SessionStateBusy); changed {
		s.persistSession(record)
		s.publishState(record.State)
	}

	w.record.MarkStarted()
	s.persistStatement(w.record)

	execCtx, cancel := context.WithCancel(s.runCtx)
	s.mu.Lock()
	s.execID = w.record.ID
	s.execCancel = cancel
	s.mu.Unlock()

	out, err := s.interp.Execute(execCtx, w.code)

	s.mu.Lock()
	s.execID = -1
	s.execCancel = nil
	s.mu.Unlock()
	cancel()

	// First settlement wins; a concurrent Cancel may have beaten us
	if err != nil {
		w.pending.Fail(err)
	} else {
		w.pending.Complete(out)
	}

	s.settle(w)

	if record, changed := s.transitionFrom(models.SessionStateBusy, models.SessionStateIdle); changed {
		s.persistSession(record)
		s.publishState(record.State)
	}
}

// settle records the authoritative outcome of a settled statement:
// updates the record, persists the output blob and publishes the
// settlement event.
func (s *Session) settle(w work) {
	out, err := w.pending.Outcome()

	state := models.StatementStateAvailable
	output := out
	if err != nil {
		state = models.StatementStateError
		output = errorOutput(w.record.ID, err)
	}

	w.record.MarkSettled(state)
	s.persistStatement(w.record)

	if output != nil {
		if perr := s.storage.OutputStore().PutOutput(context.Background(), s.id, w.record.ID, output); perr != nil {
			s.logger.Warn().
				Err(perr).
				Str("session_id", s.id).
				Int("statement_id", w.record.ID).
				Msg("Failed to persist statement output")
		}
	}

	s.touch()

	s.logger.Debug().
		Str("session_id", s.id).
		Int("statement_id", w.record.ID).
		Str("state", string(state)).
		Msg("Statement settled")

	s.publish(interfaces.EventStatementSettled, map[string]interface{}{
		"session_id":   s.id,
		"statement_id": w.record.ID,
		"state":        string(state),
	})
}

// transition moves the session to a new state unless it is already
// there or terminal. Returns the persisted snapshot and whether a change
// happened.
func (s *Session) transition(state models.SessionState) (*models.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record.State == state {
		return nil, false
	}
	if s.record.State == models.SessionStateDead {
		return nil, false
	}
	// A faulted session only ever moves on to dead
	if s.record.State == models.SessionStateError && state != models.SessionStateDead {
		return nil, false
	}

	s.record.MarkState(state)
	snapshot := *s.record
	return &snapshot, true
}

// transitionFrom moves the session from one specific state to another
func (s *Session) transitionFrom(from, to models.SessionState) (*models.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record.State != from {
		return nil, false
	}

	s.record.MarkState(to)
	snapshot := *s.record
	return &snapshot, true
}

// touch refreshes the activity timestamp and persists it
func (s *Session) touch() {
	s.mu.Lock()
	s.record.Touch()
	snapshot := *s.record
	s.mu.Unlock()

	s.persistSession(&snapshot)
}

func (s *Session) persistSession(record *models.SessionRecord) {
	if err := s.storage.SessionStorage().SaveSession(context.Background(), record); err != nil {
		s.logger.Warn().
			Err(err).
			Str("session_id", s.id).
			Msg("Failed to persist session record")
	}
}

func (s *Session) persistStatement(record *models.StatementRecord) {
	if err := s.storage.StatementStorage().SaveStatement(context.Background(), record); err != nil {
		s.logger.Warn().
			Err(err).
			Str("session_id", s.id).
			Int("statement_id", record.ID).
			Msg("Failed to persist statement record")
	}
}

func (s *Session) publish(eventType interfaces.EventType, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.Background(), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn().
			Err(err).
			Str("event_type", string(eventType)).
			Msg("Failed to publish event")
	}
}

func (s *Session) publishState(state models.SessionState) {
	s.publish(interfaces.EventSessionState, map[string]interface{}{
		"session_id": s.id,
		"state":      string(state),
	})
}

func (s *Session) redactCode(code string) string {
	if s.redactor == nil {
		return code
	}
	return s.redactor.Redact(code)
}

// errorOutput converts a settlement error into a stored output blob
func errorOutput(id int, err error) *models.StatementOutput {
	ename := "EvaluationError"
	switch {
	case errors.Is(err, ErrStatementCanceled):
		ename = "StatementCanceled"
	case errors.Is(err, ErrSessionClosed):
		ename = "SessionClosed"
	}
	return models.NewErrorOutput(id, ename, err.Error(), nil)
}
