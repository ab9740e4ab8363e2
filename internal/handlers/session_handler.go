// -----------------------------------------------------------------------
// Session Handler - REST surface for session lifecycle
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interpreter"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/session"
)

type SessionHandler struct {
	manager *session.Manager
	logger  arbor.ILogger
}

func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		logger:  common.GetLogger(),
	}
}

// CreateSessionHandler handles POST /api/sessions
func (h *SessionHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.manager.Create(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, interpreter.ErrUnknownKind):
			WriteError(w, http.StatusBadRequest, fmt.Sprintf(
				"unknown kind %q, available: %s", req.Kind, strings.Join(h.manager.Kinds(), ", ")))
		case errors.Is(err, session.ErrMaxSessions):
			WriteError(w, http.StatusTooManyRequests, err.Error())
		default:
			h.logger.Error().Err(err).Msg("Failed to create session")
			WriteError(w, http.StatusInternalServerError, "failed to create session")
		}
		return
	}

	WriteJSON(w, http.StatusCreated, sess.View())
}

// ListSessionsHandler handles GET /api/sessions
func (h *SessionHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	from, size := ParsePageParams(r)

	records, total, err := h.manager.List(r.Context(), from, size)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list sessions")
		WriteError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	views := make([]*models.SessionView, 0, len(records))
	for _, record := range records {
		views = append(views, h.sessionView(record))
	}

	WriteJSON(w, http.StatusOK, models.SessionListResponse{
		From:     from,
		Total:    total,
		Sessions: views,
	})
}

// GetSessionHandler handles GET /api/sessions/{id}
func (h *SessionHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if sess, err := h.manager.Get(id); err == nil {
		WriteJSON(w, http.StatusOK, sess.View())
		return
	}

	record, err := h.manager.Record(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}

	WriteJSON(w, http.StatusOK, record.View())
}

// GetSessionStateHandler handles GET /api/sessions/{id}/state
func (h *SessionHandler) GetSessionStateHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var state models.SessionState
	if sess, err := h.manager.Get(id); err == nil {
		state = sess.State()
	} else {
		record, err := h.manager.Record(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		state = record.State
	}

	WriteJSON(w, http.StatusOK, models.SessionStateResponse{
		ID:    id,
		State: state,
	})
}

// DeleteSessionHandler handles DELETE /api/sessions/{id}
func (h *SessionHandler) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.manager.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error().Err(err).Str("session_id", id).Msg("Failed to delete session")
		WriteError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	WriteSuccess(w, "deleted")
}

// sessionView prefers the live session's view over the stored record so
// listings reflect in-flight state transitions immediately.
func (h *SessionHandler) sessionView(record *models.SessionRecord) *models.SessionView {
	if sess, err := h.manager.Get(record.ID); err == nil {
		return sess.View()
	}
	return record.View()
}
