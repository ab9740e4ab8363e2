// -----------------------------------------------------------------------
// Session - Interactive session lifecycle and persistence model
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// SessionState represents the lifecycle state of an interactive session
type SessionState string

const (
	SessionStateStarting     SessionState = "starting"
	SessionStateIdle         SessionState = "idle"
	SessionStateBusy         SessionState = "busy"
	SessionStateShuttingDown SessionState = "shutting_down"
	SessionStateError        SessionState = "error"
	SessionStateDead         SessionState = "dead"
)

// IsTerminal returns true if the session can never execute another statement
func (s SessionState) IsTerminal() bool {
	return s == SessionStateError || s == SessionStateDead
}

// CanAccept returns true if the session accepts new statements in this state
func (s SessionState) CanAccept() bool {
	return s == SessionStateIdle || s == SessionStateBusy
}

// SessionRecord is the persisted form of a session.
//
// The live session (interpreter, statement registry, runner goroutine) is
// in-memory only; the record is what survives restarts. Sessions found in
// a non-terminal state at startup belonged to a previous process and are
// swept to dead.
type SessionRecord struct {
	ID             string       `json:"id"`
	Name           string       `json:"name,omitempty"`
	Kind           string       `json:"kind"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	StatementCount int          `json:"statement_count"`
}

// NewSessionRecord creates a session record in the starting state
func NewSessionRecord(id, name, kind string) *SessionRecord {
	now := time.Now()
	return &SessionRecord{
		ID:             id,
		Name:           name,
		Kind:           kind,
		State:          SessionStateStarting,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
}

// MarkState updates the session state and the updated timestamp
func (r *SessionRecord) MarkState(state SessionState) {
	r.State = state
	r.UpdatedAt = time.Now()
}

// Touch records session activity for idle-timeout accounting
func (r *SessionRecord) Touch() {
	now := time.Now()
	r.LastActivityAt = now
	r.UpdatedAt = now
}

// IdleSince returns how long the session has been without activity
func (r *SessionRecord) IdleSince(now time.Time) time.Duration {
	return now.Sub(r.LastActivityAt)
}

// View converts the record to its API representation
func (r *SessionRecord) View() *SessionView {
	return &SessionView{
		ID:             r.ID,
		Name:           r.Name,
		Kind:           r.Kind,
		State:          r.State,
		CreatedAt:      r.CreatedAt,
		StatementCount: r.StatementCount,
	}
}

// SessionView is the API representation of a session
type SessionView struct {
	ID             string       `json:"id"`
	Name           string       `json:"name,omitempty"`
	Kind           string       `json:"kind"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	StatementCount int          `json:"statement_count"`
}

// CreateSessionRequest is the POST /api/sessions payload. An empty kind
// falls back to the configured default kind.
type CreateSessionRequest struct {
	Name string `json:"name" validate:"omitempty,max=128"`
	Kind string `json:"kind" validate:"omitempty,max=64"`
}

// Validate validates the request using go-playground/validator
func (r *CreateSessionRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// SessionListResponse is the paginated session list envelope
type SessionListResponse struct {
	From     int            `json:"from"`
	Total    int            `json:"total"`
	Sessions []*SessionView `json:"sessions"`
}

// SessionStateResponse is the GET /api/sessions/{id}/state payload
type SessionStateResponse struct {
	ID    string       `json:"id"`
	State SessionState `json:"state"`
}
