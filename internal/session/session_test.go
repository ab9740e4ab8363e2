package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/interpreter"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/services/events"
	"github.com/ternarybob/perago/internal/statement"
	"github.com/ternarybob/perago/internal/storage/badger"
)

// recordingInterp captures executed codes in submission order.
type recordingInterp struct {
	mu    sync.Mutex
	codes []string
	count int
}

func (r *recordingInterp) Kind() string                    { return "recording" }
func (r *recordingInterp) Start(ctx context.Context) error { return nil }
func (r *recordingInterp) Close() error                    { return nil }

func (r *recordingInterp) Execute(ctx context.Context, code string) (*models.StatementOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.codes = append(r.codes, code)
	return models.NewOKOutput(r.count, code), nil
}

func (r *recordingInterp) Codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.codes))
	copy(out, r.codes)
	return out
}

// blockingInterp parks every Execute until the test releases it or the
// execution context ends.
type blockingInterp struct {
	started chan string
	release chan struct{}
}

func newBlockingInterp() *blockingInterp {
	return &blockingInterp{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingInterp) Kind() string                    { return "blocking" }
func (b *blockingInterp) Start(ctx context.Context) error { return nil }
func (b *blockingInterp) Close() error                    { return nil }

func (b *blockingInterp) Execute(ctx context.Context, code string) (*models.StatementOutput, error) {
	b.started <- code
	select {
	case <-b.release:
		return models.NewOKOutput(1, code), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stalledStartInterp holds the session in starting until released.
type stalledStartInterp struct {
	release chan struct{}
}

func (s *stalledStartInterp) Kind() string { return "stalled" }
func (s *stalledStartInterp) Close() error { return nil }

func (s *stalledStartInterp) Start(ctx context.Context) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stalledStartInterp) Execute(ctx context.Context, code string) (*models.StatementOutput, error) {
	return models.NewOKOutput(1, code), nil
}

// failingStartInterp fails interpreter startup.
type failingStartInterp struct {
	err error
}

func (f *failingStartInterp) Kind() string                    { return "broken" }
func (f *failingStartInterp) Start(ctx context.Context) error { return f.err }
func (f *failingStartInterp) Close() error                    { return nil }

func (f *failingStartInterp) Execute(ctx context.Context, code string) (*models.StatementOutput, error) {
	return nil, errors.New("never starts")
}

func newTestStorage(t *testing.T) interfaces.StorageManager {
	t.Helper()

	manager, err := badger.NewManager(arbor.NewLogger(), &common.StorageConfig{
		Dir:       t.TempDir(),
		OutputTTL: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	return manager
}

func newTestSession(t *testing.T, interp interpreter.Interpreter, maxPending int) (*Session, interfaces.StorageManager) {
	t.Helper()

	storage := newTestStorage(t)
	record := models.NewSessionRecord("sess_test", "", interp.Kind())
	require.NoError(t, storage.SessionStorage().SaveSession(context.Background(), record))

	sess := newSession(record, interp, maxPending, storage, events.NewService(arbor.NewLogger()), nil, arbor.NewLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sess.Close(ctx)
	})

	return sess, storage
}

func waitForSessionState(t *testing.T, sess *Session, want models.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sess.State() == want
	}, 2*time.Second, time.Millisecond)
}

func waitSettled(t *testing.T, stmt *statement.Statement) {
	t.Helper()
	require.Eventually(t, func() bool {
		return stmt.Settled()
	}, 2*time.Second, time.Millisecond)
}

func TestSession_SubmitAndSettle(t *testing.T) {
	sess, storage := newTestSession(t, interpreter.NewEcho(), 8)
	waitForSessionState(t, sess, models.SessionStateIdle)

	stmt, err := sess.Submit("print(1)")
	require.NoError(t, err)
	require.Equal(t, 0, stmt.ID())

	waitSettled(t, stmt)
	require.Equal(t, models.StatementStateAvailable, stmt.State())

	out, err := stmt.Pending().Outcome()
	require.NoError(t, err)
	require.Equal(t, "print(1)", out.Text())

	// The runner persists the settled record and the output blob
	require.Eventually(t, func() bool {
		rec, err := storage.StatementStorage().GetStatement(context.Background(), sess.ID(), 0)
		return err == nil && rec.State == models.StatementStateAvailable && rec.CompletedAt != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		blob, err := storage.OutputStore().GetOutput(context.Background(), sess.ID(), 0)
		return err == nil && blob != nil && blob.Text() == "print(1)"
	}, 2*time.Second, 5*time.Millisecond)

	waitForSessionState(t, sess, models.SessionStateIdle)
}

func TestSession_SerialOrder(t *testing.T) {
	interp := &recordingInterp{}
	sess, _ := newTestSession(t, interp, 16)
	waitForSessionState(t, sess, models.SessionStateIdle)

	var stmts []*statement.Statement
	var want []string
	for i := 0; i < 5; i++ {
		code := fmt.Sprintf("stmt-%d", i)
		stmt, err := sess.Submit(code)
		require.NoError(t, err)
		require.Equal(t, i, stmt.ID())
		stmts = append(stmts, stmt)
		want = append(want, code)
	}

	for _, stmt := range stmts {
		waitSettled(t, stmt)
		require.Equal(t, models.StatementStateAvailable, stmt.State())
	}

	require.Equal(t, want, interp.Codes())
}

func TestSession_QueueFull(t *testing.T) {
	interp := newBlockingInterp()
	sess, _ := newTestSession(t, interp, 1)
	waitForSessionState(t, sess, models.SessionStateIdle)

	first, err := sess.Submit("first")
	require.NoError(t, err)
	<-interp.started // the runner now holds first

	second, err := sess.Submit("second") // fills the one queue slot
	require.NoError(t, err)

	_, err = sess.Submit("third")
	require.ErrorIs(t, err, ErrQueueFull)

	close(interp.release)
	waitSettled(t, first)
	waitSettled(t, second)
	require.Equal(t, models.StatementStateAvailable, first.State())
	require.Equal(t, models.StatementStateAvailable, second.State())
}

func TestSession_CancelQueued(t *testing.T) {
	interp := newBlockingInterp()
	sess, storage := newTestSession(t, interp, 4)
	waitForSessionState(t, sess, models.SessionStateIdle)

	first, err := sess.Submit("first")
	require.NoError(t, err)
	<-interp.started

	queued, err := sess.Submit("queued")
	require.NoError(t, err)

	require.NoError(t, sess.Cancel(queued.ID()))
	waitSettled(t, queued)
	require.Equal(t, models.StatementStateError, queued.State())

	_, err = queued.Pending().Outcome()
	require.ErrorIs(t, err, ErrStatementCanceled)

	// The first statement is untouched by the cancel
	close(interp.release)
	waitSettled(t, first)
	require.Equal(t, models.StatementStateAvailable, first.State())

	// The runner records the canceled outcome when it drains the entry
	require.Eventually(t, func() bool {
		blob, err := storage.OutputStore().GetOutput(context.Background(), sess.ID(), queued.ID())
		return err == nil && blob != nil && blob.EName == "StatementCanceled"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_CancelMidExecution(t *testing.T) {
	interp := newBlockingInterp() // never released; only ctx can unblock
	sess, _ := newTestSession(t, interp, 4)
	waitForSessionState(t, sess, models.SessionStateIdle)

	stmt, err := sess.Submit("spin()")
	require.NoError(t, err)
	<-interp.started

	require.NoError(t, sess.Cancel(stmt.ID()))
	waitSettled(t, stmt)
	require.Equal(t, models.StatementStateError, stmt.State())

	_, err = stmt.Pending().Outcome()
	require.ErrorIs(t, err, ErrStatementCanceled)

	// The canceled evaluation unwinds and the runner goes back to idle
	waitForSessionState(t, sess, models.SessionStateIdle)
}

func TestSession_CancelSettledIsNoOp(t *testing.T) {
	sess, _ := newTestSession(t, interpreter.NewEcho(), 4)
	waitForSessionState(t, sess, models.SessionStateIdle)

	stmt, err := sess.Submit("value")
	require.NoError(t, err)
	waitSettled(t, stmt)
	require.Equal(t, models.StatementStateAvailable, stmt.State())

	require.NoError(t, sess.Cancel(stmt.ID()))

	// The settled state and outcome are untouched
	require.Equal(t, models.StatementStateAvailable, stmt.State())
	out, err := stmt.Pending().Outcome()
	require.NoError(t, err)
	require.Equal(t, "value", out.Text())
}

func TestSession_CancelUnknownStatement(t *testing.T) {
	sess, _ := newTestSession(t, interpreter.NewEcho(), 4)
	waitForSessionState(t, sess, models.SessionStateIdle)

	err := sess.Cancel(42)
	require.ErrorIs(t, err, models.ErrStatementNotFound)
}

func TestSession_CloseDrainsQueue(t *testing.T) {
	interp := newBlockingInterp() // never released
	sess, storage := newTestSession(t, interp, 4)
	waitForSessionState(t, sess, models.SessionStateIdle)

	inflight, err := sess.Submit("inflight")
	require.NoError(t, err)
	<-interp.started

	queued, err := sess.Submit("queued")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Close(ctx))
	require.Equal(t, models.SessionStateDead, sess.State())

	// The in-flight statement fails on its canceled interpreter context
	waitSettled(t, inflight)
	require.Equal(t, models.StatementStateError, inflight.State())

	// Queued statements settle with the session-closed error
	waitSettled(t, queued)
	_, err = queued.Pending().Outcome()
	require.ErrorIs(t, err, ErrSessionClosed)

	_, err = sess.Submit("after close")
	require.ErrorIs(t, err, ErrCannotAccept)

	// The stored record ends dead
	require.Eventually(t, func() bool {
		rec, err := storage.SessionStorage().GetSession(context.Background(), sess.ID())
		return err == nil && rec.State == models.SessionStateDead
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_CloseTwice(t *testing.T) {
	sess, _ := newTestSession(t, interpreter.NewEcho(), 4)
	waitForSessionState(t, sess, models.SessionStateIdle)

	ctx := context.Background()
	require.NoError(t, sess.Close(ctx))
	require.NoError(t, sess.Close(ctx))
	require.Equal(t, models.SessionStateDead, sess.State())
}

func TestSession_SubmitWhileStarting(t *testing.T) {
	interp := &stalledStartInterp{release: make(chan struct{})}
	sess, _ := newTestSession(t, interp, 4)
	require.Equal(t, models.SessionStateStarting, sess.State())

	_, err := sess.Submit("too early")
	require.ErrorIs(t, err, ErrCannotAccept)

	close(interp.release)
	waitForSessionState(t, sess, models.SessionStateIdle)

	_, err = sess.Submit("now fine")
	require.NoError(t, err)
}

func TestSession_StartFailureFaultsSession(t *testing.T) {
	interp := &failingStartInterp{err: errors.New("spawn failed")}
	sess, storage := newTestSession(t, interp, 4)
	waitForSessionState(t, sess, models.SessionStateError)

	_, err := sess.Submit("anything")
	require.ErrorIs(t, err, ErrCannotAccept)

	require.Eventually(t, func() bool {
		rec, err := storage.SessionStorage().GetSession(context.Background(), sess.ID())
		return err == nil && rec.State == models.SessionStateError
	}, 2*time.Second, 5*time.Millisecond)

	// A faulted session still closes cleanly into dead
	require.NoError(t, sess.Close(context.Background()))
	require.Equal(t, models.SessionStateDead, sess.State())
}

func TestSession_StatementLookup(t *testing.T) {
	sess, _ := newTestSession(t, interpreter.NewEcho(), 8)
	waitForSessionState(t, sess, models.SessionStateIdle)

	var stmts []*statement.Statement
	for i := 0; i < 3; i++ {
		stmt, err := sess.Submit(fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		stmts = append(stmts, stmt)
	}

	got, err := sess.Statement(1)
	require.NoError(t, err)
	require.Equal(t, stmts[1], got)

	_, err = sess.Statement(9)
	require.ErrorIs(t, err, models.ErrStatementNotFound)

	all := sess.Statements()
	require.Len(t, all, 3)
	for i, stmt := range all {
		require.Equal(t, i, stmt.ID())
	}
}

func TestSession_ViewCountsStatements(t *testing.T) {
	sess, _ := newTestSession(t, interpreter.NewEcho(), 8)
	waitForSessionState(t, sess, models.SessionStateIdle)

	for i := 0; i < 2; i++ {
		_, err := sess.Submit("x")
		require.NoError(t, err)
	}

	view := sess.View()
	require.Equal(t, sess.ID(), view.ID)
	require.Equal(t, 2, view.StatementCount)
}
