package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/session"
)

type APIHandler struct {
	manager *session.Manager
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

func NewAPIHandler(manager *session.Manager, storage interfaces.StorageManager) *APIHandler {
	return &APIHandler{
		manager: manager,
		storage: storage,
		logger:  common.GetLogger(),
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
	})
}

// HealthHandler returns health check status per component
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	storageStatus := "ok"
	if _, err := h.storage.SessionStorage().CountSessions(r.Context()); err != nil {
		storageStatus = "error"
	}

	status := "ok"
	if storageStatus != "ok" {
		status = "degraded"
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"components": map[string]interface{}{
			"storage":       storageStatus,
			"live_sessions": h.manager.Count(),
		},
	})
}

// KindsHandler returns the interpreter kinds available for new sessions
func (h *APIHandler) KindsHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"kinds": h.manager.Kinds(),
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
