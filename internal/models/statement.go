// -----------------------------------------------------------------------
// Statement - Submitted code unit and its persistence model
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// StatementState represents the lifecycle state of a statement.
//
// A statement is created running and settles exactly once: available when
// its evaluation succeeded, error when it failed. There are no further
// transitions after settlement.
type StatementState string

const (
	StatementStateRunning   StatementState = "running"
	StatementStateAvailable StatementState = "available"
	StatementStateError     StatementState = "error"
)

// IsTerminal returns true once the statement has settled
func (s StatementState) IsTerminal() bool {
	return s == StatementStateAvailable || s == StatementStateError
}

// StatementRecord is the persisted form of a statement.
//
// Records carry the submitted code and timestamps for history queries.
// Result detail is not stored here; output blobs live in their own store
// keyed by session and statement id.
type StatementRecord struct {
	Key         string         `json:"key"` // composite storage key, session_id/id
	SessionID   string         `json:"session_id"`
	ID          int            `json:"id"`
	State       StatementState `json:"state"`
	Code        string         `json:"code"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// StatementKey builds the composite storage key for a statement
func StatementKey(sessionID string, id int) string {
	return fmt.Sprintf("%s/%d", sessionID, id)
}

// NewStatementRecord creates a statement record in the running state
func NewStatementRecord(sessionID string, id int, code string) *StatementRecord {
	return &StatementRecord{
		Key:         StatementKey(sessionID, id),
		SessionID:   sessionID,
		ID:          id,
		State:       StatementStateRunning,
		Code:        code,
		SubmittedAt: time.Now(),
	}
}

// MarkStarted records the moment the runner picked the statement up
func (r *StatementRecord) MarkStarted() {
	now := time.Now()
	r.StartedAt = &now
}

// MarkSettled records the terminal state and completion time
func (r *StatementRecord) MarkSettled(state StatementState) {
	r.State = state
	now := time.Now()
	r.CompletedAt = &now
}

// View converts the record to its API representation
func (r *StatementRecord) View() *StatementView {
	return &StatementView{
		ID:    r.ID,
		State: r.State,
	}
}

// StatementView is the API representation of a statement.
// Output is attached on the detail endpoint once the statement has
// settled and the blob is still retained.
type StatementView struct {
	ID     int              `json:"id"`
	State  StatementState   `json:"state"`
	Output *StatementOutput `json:"output,omitempty"`
}

// SubmitStatementRequest is the POST /api/sessions/{id}/statements payload
type SubmitStatementRequest struct {
	Code string `json:"code" validate:"required"`
}

// Validate validates the request using go-playground/validator
func (r *SubmitStatementRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// StatementListResponse is the paginated statement list envelope
type StatementListResponse struct {
	From       int              `json:"from"`
	Total      int              `json:"total"`
	Statements []*StatementView `json:"statements"`
}
