package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db        *BadgerDB
	session   interfaces.SessionStorage
	statement interfaces.StatementStorage
	output    interfaces.OutputStore
	logger    arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.StorageConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:        db,
		session:   NewSessionStorage(db, logger),
		statement: NewStatementStorage(db, logger),
		output:    NewOutputStore(db, config.OutputTTL, logger),
		logger:    logger,
	}

	logger.Info().Str("dir", config.Dir).Msg("Badger storage manager initialized")

	return manager, nil
}

// SessionStorage returns the session storage interface
func (m *Manager) SessionStorage() interfaces.SessionStorage {
	return m.session
}

// StatementStorage returns the statement storage interface
func (m *Manager) StatementStorage() interfaces.StatementStorage {
	return m.statement
}

// OutputStore returns the output store interface
func (m *Manager) OutputStore() interfaces.OutputStore {
	return m.output
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
