// -----------------------------------------------------------------------
// Manager - Session registry, capacity and lifecycle maintenance
// -----------------------------------------------------------------------

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/interpreter"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/redaction"
)

// ErrMaxSessions is returned when creating a session would exceed the
// configured capacity
var ErrMaxSessions = errors.New("session capacity reached")

// Manager owns the live session registry.
//
// Live sessions exist only in memory; their records are persisted so
// listings survive restarts. The manager enforces capacity, resolves
// interpreter kinds and runs the maintenance passes the scheduler
// triggers.
type Manager struct {
	config   *common.SessionConfig
	registry *interpreter.Registry
	storage  interfaces.StorageManager
	events   interfaces.EventService
	redactor *redaction.Engine
	logger   arbor.ILogger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager
func NewManager(config *common.SessionConfig, registry *interpreter.Registry, storage interfaces.StorageManager, events interfaces.EventService, redactor *redaction.Engine, logger arbor.ILogger) *Manager {
	return &Manager{
		config:   config,
		registry: registry,
		storage:  storage,
		events:   events,
		redactor: redactor,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session for the requested interpreter kind.
// An empty kind falls back to the configured default.
func (m *Manager) Create(ctx context.Context, req *models.CreateSessionRequest) (*Session, error) {
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = m.config.DefaultKind
	}

	interp, err := m.registry.New(kind)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		interp.Close()
		return nil, ErrMaxSessions
	}

	id := common.NewSessionID()
	record := models.NewSessionRecord(id, req.Name, kind)

	if err := m.storage.SessionStorage().SaveSession(ctx, record); err != nil {
		m.mu.Unlock()
		interp.Close()
		return nil, err
	}

	sess := newSession(record, interp, m.config.MaxPending, m.storage, m.events, m.redactor, m.logger)
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", id).
		Str("kind", kind).
		Msg("Session created")

	m.publish(ctx, interfaces.EventSessionCreated, map[string]interface{}{
		"session_id": id,
		"kind":       kind,
		"name":       req.Name,
		"state":      string(models.SessionStateStarting),
	})

	return sess, nil
}

// Get returns a live session by id
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return sess, nil
}

// List returns a page of session records (live and dead) plus the total
// count. Records come from storage so listings survive restarts.
func (m *Manager) List(ctx context.Context, from, size int) ([]*models.SessionRecord, int, error) {
	total, err := m.storage.SessionStorage().CountSessions(ctx)
	if err != nil {
		return nil, 0, err
	}

	records, err := m.storage.SessionStorage().ListSessions(ctx, from, size)
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// Record returns the stored record for a session id, live or not
func (m *Manager) Record(ctx context.Context, id string) (*models.SessionRecord, error) {
	return m.storage.SessionStorage().GetSession(ctx, id)
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Kinds returns the interpreter kinds available for new sessions
func (m *Manager) Kinds() []string {
	return m.registry.Kinds()
}

// Delete closes a live session and removes it from the registry. The
// stored record is marked dead and retained for history until the purge
// job collects it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, live := m.sessions[id]
	if live {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if live {
		if err := sess.Close(ctx); err != nil {
			m.logger.Warn().
				Err(err).
				Str("session_id", id).
				Msg("Interpreter close failed during delete")
		}
	} else {
		record, err := m.storage.SessionStorage().GetSession(ctx, id)
		if err != nil {
			return err
		}
		if !record.State.IsTerminal() {
			record.MarkState(models.SessionStateDead)
			if err := m.storage.SessionStorage().SaveSession(ctx, record); err != nil {
				return err
			}
		}
	}

	m.logger.Info().Str("session_id", id).Msg("Session deleted")

	m.publish(ctx, interfaces.EventSessionDeleted, map[string]interface{}{
		"session_id": id,
	})

	return nil
}

// ReapIdle closes live sessions that have been inactive past the idle
// timeout. Busy sessions are skipped regardless of their last activity;
// a long evaluation is not idleness.
func (m *Manager) ReapIdle(ctx context.Context) (int, error) {
	timeout := m.config.IdleTimeout
	if timeout <= 0 {
		return 0, nil
	}

	now := time.Now()

	m.mu.RLock()
	var expired []*Session
	for _, sess := range m.sessions {
		if sess.State() == models.SessionStateBusy {
			continue
		}
		if sess.IdleSince(now) > timeout {
			expired = append(expired, sess)
		}
	}
	m.mu.RUnlock()

	reaped := 0
	for _, sess := range expired {
		m.mu.Lock()
		delete(m.sessions, sess.ID())
		m.mu.Unlock()

		if err := sess.Close(ctx); err != nil {
			m.logger.Warn().
				Err(err).
				Str("session_id", sess.ID()).
				Msg("Interpreter close failed during reap")
		}
		reaped++
	}

	if reaped > 0 {
		m.logger.Info().
			Int("count", reaped).
			Dur("idle_timeout", timeout).
			Msg("Idle sessions reaped")
	}

	return reaped, nil
}

// SweepOrphans marks stored non-terminal sessions dead. Run at boot:
// any session that was live belonged to a previous process and its
// interpreter died with it.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	records, err := m.storage.SessionStorage().ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, record := range records {
		record.MarkState(models.SessionStateDead)
		if err := m.storage.SessionStorage().SaveSession(ctx, record); err != nil {
			m.logger.Warn().
				Err(err).
				Str("session_id", record.ID).
				Msg("Failed to sweep orphaned session")
			continue
		}
		swept++
	}

	if swept > 0 {
		m.logger.Info().Int("count", swept).Msg("Orphaned sessions swept to dead")
	}

	return swept, nil
}

// PurgeHistory deletes records and outputs of terminal sessions whose
// last update is older than the retention window.
func (m *Manager) PurgeHistory(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-olderThan)

	records, err := m.storage.SessionStorage().ListSessions(ctx, 0, 0)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, record := range records {
		if !record.State.IsTerminal() || !record.UpdatedAt.Before(cutoff) {
			continue
		}

		if err := m.storage.StatementStorage().DeleteBySession(ctx, record.ID); err != nil {
			m.logger.Warn().Err(err).Str("session_id", record.ID).Msg("Failed to purge statements")
			continue
		}
		if err := m.storage.OutputStore().DeleteBySession(ctx, record.ID); err != nil {
			m.logger.Warn().Err(err).Str("session_id", record.ID).Msg("Failed to purge outputs")
			continue
		}
		if err := m.storage.SessionStorage().DeleteSession(ctx, record.ID); err != nil {
			m.logger.Warn().Err(err).Str("session_id", record.ID).Msg("Failed to purge session record")
			continue
		}
		purged++
	}

	if purged > 0 {
		m.logger.Info().
			Int("count", purged).
			Dur("retention", olderThan).
			Msg("Session history purged")
	}

	return purged, nil
}

// CloseAll closes every live session. Used on graceful shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Close(ctx); err != nil {
			m.logger.Warn().
				Err(err).
				Str("session_id", sess.ID()).
				Msg("Interpreter close failed during shutdown")
		}
	}

	if len(sessions) > 0 {
		m.logger.Info().Int("count", len(sessions)).Msg("All sessions closed")
	}

	return nil
}

func (m *Manager) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.logger.Warn().
			Err(err).
			Str("event_type", string(eventType)).
			Msg("Failed to publish event")
	}
}
