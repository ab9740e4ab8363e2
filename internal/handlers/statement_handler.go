// -----------------------------------------------------------------------
// Statement Handler - REST surface for statement submission and results
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/session"
)

type StatementHandler struct {
	manager *session.Manager
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

func NewStatementHandler(manager *session.Manager, storage interfaces.StorageManager) *StatementHandler {
	return &StatementHandler{
		manager: manager,
		storage: storage,
		logger:  common.GetLogger(),
	}
}

// SubmitStatementHandler handles POST /api/sessions/{id}/statements
func (h *StatementHandler) SubmitStatementHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sess, err := h.manager.Get(sessionID)
	if err != nil {
		// The session may survive only as a stored record; submitting to
		// it is a state conflict, not a missing resource.
		record, rerr := h.manager.Record(r.Context(), sessionID)
		if rerr != nil {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusConflict, fmt.Sprintf("session cannot accept statements: session is %s", record.State))
		return
	}

	var req models.SubmitStatementRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	stmt, err := sess.Submit(req.Code)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrCannotAccept):
			WriteError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrQueueFull):
			WriteError(w, http.StatusTooManyRequests, err.Error())
		default:
			h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to submit statement")
			WriteError(w, http.StatusInternalServerError, "failed to submit statement")
		}
		return
	}

	WriteJSON(w, http.StatusCreated, stmt.View())
}

// ListStatementsHandler handles GET /api/sessions/{id}/statements
func (h *StatementHandler) ListStatementsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	from, size := ParsePageParams(r)

	// Live sessions answer from the tracker registry; statement ids are
	// dense from 0, so slicing by index pages by id.
	if sess, err := h.manager.Get(sessionID); err == nil {
		trackers := sess.Statements()
		total := len(trackers)

		start := min(from, total)
		end := min(start+size, total)

		views := make([]*models.StatementView, 0, end-start)
		for _, stmt := range trackers[start:end] {
			views = append(views, stmt.View())
		}

		WriteJSON(w, http.StatusOK, models.StatementListResponse{
			From:       from,
			Total:      total,
			Statements: views,
		})
		return
	}

	if _, err := h.manager.Record(r.Context(), sessionID); err != nil {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}

	total, err := h.storage.StatementStorage().CountStatements(r.Context(), sessionID)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to count statements")
		WriteError(w, http.StatusInternalServerError, "failed to list statements")
		return
	}

	records, err := h.storage.StatementStorage().ListStatements(r.Context(), sessionID, from, size)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to list statements")
		WriteError(w, http.StatusInternalServerError, "failed to list statements")
		return
	}

	views := make([]*models.StatementView, 0, len(records))
	for _, record := range records {
		views = append(views, record.View())
	}

	WriteJSON(w, http.StatusOK, models.StatementListResponse{
		From:       from,
		Total:      total,
		Statements: views,
	})
}

// GetStatementHandler handles GET /api/sessions/{id}/statements/{sid}.
// Settled statements carry their output when the blob is still retained;
// an expired blob reduces the view to id and state.
func (h *StatementHandler) GetStatementHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	id, ok := h.statementID(w, r)
	if !ok {
		return
	}

	var view *models.StatementView

	if sess, err := h.manager.Get(sessionID); err == nil {
		stmt, err := sess.Statement(id)
		if err != nil {
			WriteError(w, http.StatusNotFound, "statement not found")
			return
		}
		view = stmt.View()
	} else {
		if _, err := h.manager.Record(r.Context(), sessionID); err != nil {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		record, err := h.storage.StatementStorage().GetStatement(r.Context(), sessionID, id)
		if err != nil {
			WriteError(w, http.StatusNotFound, "statement not found")
			return
		}
		view = record.View()
	}

	if view.State.IsTerminal() {
		output, err := h.storage.OutputStore().GetOutput(r.Context(), sessionID, id)
		if err != nil {
			h.logger.Warn().
				Err(err).
				Str("session_id", sessionID).
				Int("statement_id", id).
				Msg("Failed to fetch statement output")
		} else {
			view.Output = output
		}
	}

	WriteJSON(w, http.StatusOK, view)
}

// CancelStatementHandler handles POST /api/sessions/{id}/statements/{sid}/cancel.
// Canceling a settled statement is reported as success; its state keeps
// the settled value.
func (h *StatementHandler) CancelStatementHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	id, ok := h.statementID(w, r)
	if !ok {
		return
	}

	sess, err := h.manager.Get(sessionID)
	if err != nil {
		// Statements of a dead session have all settled; cancel is the
		// usual no-op as long as the statement existed.
		if _, rerr := h.manager.Record(r.Context(), sessionID); rerr != nil {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		if _, serr := h.storage.StatementStorage().GetStatement(r.Context(), sessionID, id); serr != nil {
			WriteError(w, http.StatusNotFound, "statement not found")
			return
		}
		WriteSuccess(w, "canceled")
		return
	}

	if err := sess.Cancel(id); err != nil {
		if errors.Is(err, models.ErrStatementNotFound) {
			WriteError(w, http.StatusNotFound, "statement not found")
			return
		}
		h.logger.Error().
			Err(err).
			Str("session_id", sessionID).
			Int("statement_id", id).
			Msg("Failed to cancel statement")
		WriteError(w, http.StatusInternalServerError, "failed to cancel statement")
		return
	}

	WriteSuccess(w, "canceled")
}

// statementID parses the {sid} path segment. Writes a 400 and returns
// false when it is not an integer.
func (h *StatementHandler) statementID(w http.ResponseWriter, r *http.Request) (int, bool) {
	sid := r.PathValue("sid")
	id, err := strconv.Atoi(sid)
	if err != nil || id < 0 {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid statement id %q", sid))
		return 0, false
	}
	return id, true
}
