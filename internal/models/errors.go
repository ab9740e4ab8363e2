// -----------------------------------------------------------------------
// Errors - Shared sentinel errors for session and statement lookups
// -----------------------------------------------------------------------

package models

import "errors"

var (
	// ErrSessionNotFound is returned when no session exists for an id
	ErrSessionNotFound = errors.New("session not found")

	// ErrStatementNotFound is returned when a session has no statement
	// with the requested id
	ErrStatementNotFound = errors.New("statement not found")
)
