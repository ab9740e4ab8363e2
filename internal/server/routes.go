// -----------------------------------------------------------------------
// Routes - HTTP route table
// -----------------------------------------------------------------------

package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes.
//
// Patterns use method matching and path wildcards; handlers read the
// wildcard segments through Request.PathValue.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event stream
	mux.HandleFunc("GET /ws", s.app.WSHandler.HandleWebSocket)

	// API routes - System
	mux.HandleFunc("GET /api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("GET /api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("GET /api/kinds", s.app.APIHandler.KindsHandler)

	// API routes - Sessions
	mux.HandleFunc("GET /api/sessions", s.app.SessionHandler.ListSessionsHandler)
	mux.HandleFunc("POST /api/sessions", s.app.SessionHandler.CreateSessionHandler)
	mux.HandleFunc("GET /api/sessions/{id}", s.app.SessionHandler.GetSessionHandler)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.app.SessionHandler.DeleteSessionHandler)
	mux.HandleFunc("GET /api/sessions/{id}/state", s.app.SessionHandler.GetSessionStateHandler)

	// API routes - Statements
	mux.HandleFunc("GET /api/sessions/{id}/statements", s.app.StatementHandler.ListStatementsHandler)
	mux.HandleFunc("POST /api/sessions/{id}/statements", s.app.StatementHandler.SubmitStatementHandler)
	mux.HandleFunc("GET /api/sessions/{id}/statements/{sid}", s.app.StatementHandler.GetStatementHandler)
	mux.HandleFunc("POST /api/sessions/{id}/statements/{sid}/cancel", s.app.StatementHandler.CancelStatementHandler)

	// Everything else gets a JSON 404
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}
