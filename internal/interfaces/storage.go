// -----------------------------------------------------------------------
// Storage - Persistence interfaces for sessions, statements and output
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/ternarybob/perago/internal/models"
)

// SessionStorage - interface for session record persistence
type SessionStorage interface {
	// SaveSession inserts or updates a session record
	SaveSession(ctx context.Context, record *models.SessionRecord) error

	// GetSession returns the record for the given session id
	GetSession(ctx context.Context, id string) (*models.SessionRecord, error)

	// DeleteSession removes the record for the given session id
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns a page of records ordered by creation time
	ListSessions(ctx context.Context, from, size int) ([]*models.SessionRecord, error)

	// CountSessions returns the total number of stored sessions
	CountSessions(ctx context.Context) (int, error)

	// ListActiveSessions returns records whose state is not terminal
	ListActiveSessions(ctx context.Context) ([]*models.SessionRecord, error)
}

// StatementStorage - interface for statement record persistence
type StatementStorage interface {
	// SaveStatement inserts or updates a statement record
	SaveStatement(ctx context.Context, record *models.StatementRecord) error

	// GetStatement returns one statement of a session
	GetStatement(ctx context.Context, sessionID string, id int) (*models.StatementRecord, error)

	// ListStatements returns a page of a session's statements ordered by id
	ListStatements(ctx context.Context, sessionID string, from, size int) ([]*models.StatementRecord, error)

	// CountStatements returns the number of statements stored for a session
	CountStatements(ctx context.Context, sessionID string) (int, error)

	// DeleteBySession removes all statement records of a session
	DeleteBySession(ctx context.Context, sessionID string) error
}

// OutputStore - interface for statement output blobs
//
// Outputs are written once by the session runner when a statement settles
// and expire on their own; a missing output is not an error for callers
// that only need the statement state.
type OutputStore interface {
	// PutOutput stores the output of a settled statement
	PutOutput(ctx context.Context, sessionID string, id int, output *models.StatementOutput) error

	// GetOutput returns the stored output, or nil when absent or expired
	GetOutput(ctx context.Context, sessionID string, id int) (*models.StatementOutput, error)

	// DeleteOutput removes one statement's output
	DeleteOutput(ctx context.Context, sessionID string, id int) error

	// DeleteBySession removes all outputs of a session
	DeleteBySession(ctx context.Context, sessionID string) error
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	SessionStorage() SessionStorage
	StatementStorage() StatementStorage
	OutputStore() OutputStore
	DB() interface{}
	Close() error
}
