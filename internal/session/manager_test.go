package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/interpreter"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/services/events"
)

func defaultSessionConfig() *common.SessionConfig {
	return &common.SessionConfig{
		IdleTimeout:      time.Hour,
		MaxSessions:      4,
		MaxPending:       8,
		StatementTimeout: time.Minute,
		DefaultKind:      "echo",
	}
}

func newTestSessionManager(t *testing.T, config *common.SessionConfig) (*Manager, interfaces.StorageManager) {
	t.Helper()

	storage := newTestStorage(t)
	registry := interpreter.NewRegistry(config.StatementTimeout, arbor.NewLogger())
	manager := NewManager(config, registry, storage, events.NewService(arbor.NewLogger()), nil, arbor.NewLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.CloseAll(ctx)
	})

	return manager, storage
}

func TestManager_CreateUsesDefaultKind(t *testing.T) {
	manager, storage := newTestSessionManager(t, defaultSessionConfig())
	ctx := context.Background()

	sess, err := manager.Create(ctx, &models.CreateSessionRequest{Name: "unnamed kind"})
	require.NoError(t, err)
	require.Equal(t, "echo", sess.Kind())

	rec, err := storage.SessionStorage().GetSession(ctx, sess.ID())
	require.NoError(t, err)
	require.Equal(t, "echo", rec.Kind)
	require.Equal(t, "unnamed kind", rec.Name)

	waitForSessionState(t, sess, models.SessionStateIdle)
}

func TestManager_CreateUnknownKind(t *testing.T) {
	manager, _ := newTestSessionManager(t, defaultSessionConfig())

	_, err := manager.Create(context.Background(), &models.CreateSessionRequest{Kind: "cobol"})
	require.ErrorIs(t, err, interpreter.ErrUnknownKind)
	require.Equal(t, 0, manager.Count())
}

func TestManager_Capacity(t *testing.T) {
	config := defaultSessionConfig()
	config.MaxSessions = 1
	manager, _ := newTestSessionManager(t, config)
	ctx := context.Background()

	first, err := manager.Create(ctx, &models.CreateSessionRequest{})
	require.NoError(t, err)

	_, err = manager.Create(ctx, &models.CreateSessionRequest{})
	require.ErrorIs(t, err, ErrMaxSessions)
	require.Equal(t, 1, manager.Count())

	// Deleting frees the slot
	require.NoError(t, manager.Delete(ctx, first.ID()))
	_, err = manager.Create(ctx, &models.CreateSessionRequest{})
	require.NoError(t, err)
}

func TestManager_GetAndDelete(t *testing.T) {
	manager, storage := newTestSessionManager(t, defaultSessionConfig())
	ctx := context.Background()

	sess, err := manager.Create(ctx, &models.CreateSessionRequest{})
	require.NoError(t, err)
	waitForSessionState(t, sess, models.SessionStateIdle)

	got, err := manager.Get(sess.ID())
	require.NoError(t, err)
	require.Equal(t, sess, got)

	require.NoError(t, manager.Delete(ctx, sess.ID()))

	_, err = manager.Get(sess.ID())
	require.ErrorIs(t, err, models.ErrSessionNotFound)

	// History is retained: the record stays, marked dead
	rec, err := storage.SessionStorage().GetSession(ctx, sess.ID())
	require.NoError(t, err)
	require.Equal(t, models.SessionStateDead, rec.State)
}

func TestManager_DeleteUnknownSession(t *testing.T) {
	manager, _ := newTestSessionManager(t, defaultSessionConfig())

	err := manager.Delete(context.Background(), "sess_missing")
	require.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestManager_DeleteStoredOnlySession(t *testing.T) {
	manager, storage := newTestSessionManager(t, defaultSessionConfig())
	ctx := context.Background()

	// A record from a previous process, no live session behind it
	record := models.NewSessionRecord("sess_old", "", "echo")
	record.MarkState(models.SessionStateIdle)
	require.NoError(t, storage.SessionStorage().SaveSession(ctx, record))

	require.NoError(t, manager.Delete(ctx, "sess_old"))

	rec, err := storage.SessionStorage().GetSession(ctx, "sess_old")
	require.NoError(t, err)
	require.Equal(t, models.SessionStateDead, rec.State)
}

func TestManager_ReapIdle(t *testing.T) {
	config := defaultSessionConfig()
	config.IdleTimeout = 50 * time.Millisecond
	manager, storage := newTestSessionManager(t, config)
	ctx := context.Background()

	sess, err := manager.Create(ctx, &models.CreateSessionRequest{})
	require.NoError(t, err)
	waitForSessionState(t, sess, models.SessionStateIdle)

	time.Sleep(100 * time.Millisecond)

	reaped, err := manager.ReapIdle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	_, err = manager.Get(sess.ID())
	require.ErrorIs(t, err, models.ErrSessionNotFound)

	rec, err := storage.SessionStorage().GetSession(ctx, sess.ID())
	require.NoError(t, err)
	require.Equal(t, models.SessionStateDead, rec.State)
}

func TestManager_ReapSkipsBusySessions(t *testing.T) {
	config := defaultSessionConfig()
	config.IdleTimeout = 50 * time.Millisecond
	manager, storage := newTestSessionManager(t, config)
	ctx := context.Background()

	// A session stuck in a long evaluation; activity is old but it is busy
	interp := newBlockingInterp()
	record := models.NewSessionRecord("sess_busy", "", interp.Kind())
	require.NoError(t, storage.SessionStorage().SaveSession(ctx, record))
	busy := newSession(record, interp, 4, storage, nil, nil, arbor.NewLogger())
	manager.mu.Lock()
	manager.sessions[busy.ID()] = busy
	manager.mu.Unlock()

	waitForSessionState(t, busy, models.SessionStateIdle)
	_, err := busy.Submit("long running")
	require.NoError(t, err)
	<-interp.started
	require.Equal(t, models.SessionStateBusy, busy.State())

	time.Sleep(100 * time.Millisecond)

	reaped, err := manager.ReapIdle(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, reaped)

	_, err = manager.Get(busy.ID())
	require.NoError(t, err)

	close(interp.release)
}

func TestManager_SweepOrphans(t *testing.T) {
	manager, storage := newTestSessionManager(t, defaultSessionConfig())
	ctx := context.Background()

	states := map[string]models.SessionState{
		"sess_idle": models.SessionStateIdle,
		"sess_busy": models.SessionStateBusy,
		"sess_dead": models.SessionStateDead,
	}
	for id, state := range states {
		record := models.NewSessionRecord(id, "", "echo")
		record.MarkState(state)
		require.NoError(t, storage.SessionStorage().SaveSession(ctx, record))
	}

	swept, err := manager.SweepOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, swept)

	for id := range states {
		rec, err := storage.SessionStorage().GetSession(ctx, id)
		require.NoError(t, err)
		require.True(t, rec.State.IsTerminal(), "session %s should be terminal, got %s", id, rec.State)
	}
}

func TestManager_PurgeHistory(t *testing.T) {
	manager, storage := newTestSessionManager(t, defaultSessionConfig())
	ctx := context.Background()

	// Old dead session with a statement and an output blob
	old := models.NewSessionRecord("sess_purge", "", "echo")
	old.State = models.SessionStateDead
	old.UpdatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, storage.SessionStorage().SaveSession(ctx, old))
	require.NoError(t, storage.StatementStorage().SaveStatement(ctx, models.NewStatementRecord("sess_purge", 0, "x")))
	require.NoError(t, storage.OutputStore().PutOutput(ctx, "sess_purge", 0, models.NewOKOutput(1, "x")))

	// Recently dead session stays within the retention window
	fresh := models.NewSessionRecord("sess_fresh", "", "echo")
	fresh.MarkState(models.SessionStateDead)
	require.NoError(t, storage.SessionStorage().SaveSession(ctx, fresh))

	// Non-terminal session is never purged regardless of age
	live := models.NewSessionRecord("sess_live", "", "echo")
	live.State = models.SessionStateIdle
	live.UpdatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, storage.SessionStorage().SaveSession(ctx, live))

	purged, err := manager.PurgeHistory(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = storage.SessionStorage().GetSession(ctx, "sess_purge")
	require.ErrorIs(t, err, models.ErrSessionNotFound)
	_, err = storage.StatementStorage().GetStatement(ctx, "sess_purge", 0)
	require.ErrorIs(t, err, models.ErrStatementNotFound)
	blob, err := storage.OutputStore().GetOutput(ctx, "sess_purge", 0)
	require.NoError(t, err)
	require.Nil(t, blob)

	_, err = storage.SessionStorage().GetSession(ctx, "sess_fresh")
	require.NoError(t, err)
	_, err = storage.SessionStorage().GetSession(ctx, "sess_live")
	require.NoError(t, err)
}

func TestManager_ListAndRecord(t *testing.T) {
	manager, _ := newTestSessionManager(t, defaultSessionConfig())
	ctx := context.Background()

	first, err := manager.Create(ctx, &models.CreateSessionRequest{Name: "one"})
	require.NoError(t, err)
	_, err = manager.Create(ctx, &models.CreateSessionRequest{Name: "two"})
	require.NoError(t, err)

	records, total, err := manager.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, records, 2)

	rec, err := manager.Record(ctx, first.ID())
	require.NoError(t, err)
	require.Equal(t, "one", rec.Name)

	_, err = manager.Record(ctx, "sess_missing")
	require.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestManager_Kinds(t *testing.T) {
	manager, _ := newTestSessionManager(t, defaultSessionConfig())

	kinds := manager.Kinds()
	require.Contains(t, kinds, "echo")
	require.Contains(t, kinds, "shell")
}

func TestManager_CloseAll(t *testing.T) {
	manager, storage := newTestSessionManager(t, defaultSessionConfig())
	ctx := context.Background()

	first, err := manager.Create(ctx, &models.CreateSessionRequest{})
	require.NoError(t, err)
	second, err := manager.Create(ctx, &models.CreateSessionRequest{})
	require.NoError(t, err)

	require.NoError(t, manager.CloseAll(ctx))
	require.Equal(t, 0, manager.Count())

	for _, id := range []string{first.ID(), second.ID()} {
		rec, err := storage.SessionStorage().GetSession(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.SessionStateDead, rec.State)
	}
}
