package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// StatementStorage implements the StatementStorage interface for Badger
type StatementStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewStatementStorage creates a new StatementStorage instance
func NewStatementStorage(db *BadgerDB, logger arbor.ILogger) interfaces.StatementStorage {
	return &StatementStorage{
		db:     db,
		logger: logger,
	}
}

func (s *StatementStorage) SaveStatement(ctx context.Context, record *models.StatementRecord) error {
	if record == nil {
		return fmt.Errorf("statement record is nil")
	}
	if record.Key == "" {
		record.Key = models.StatementKey(record.SessionID, record.ID)
	}

	if err := s.db.Store().Upsert(record.Key, record); err != nil {
		return fmt.Errorf("failed to save statement: %w", err)
	}
	return nil
}

func (s *StatementStorage) GetStatement(ctx context.Context, sessionID string, id int) (*models.StatementRecord, error) {
	var record models.StatementRecord
	if err := s.db.Store().Get(models.StatementKey(sessionID, id), &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrStatementNotFound
		}
		return nil, fmt.Errorf("failed to get statement: %w", err)
	}
	return &record, nil
}

func (s *StatementStorage) ListStatements(ctx context.Context, sessionID string, from, size int) ([]*models.StatementRecord, error) {
	query := badgerhold.Where("SessionID").Eq(sessionID).SortBy("ID")
	if from > 0 {
		query = query.Skip(from)
	}
	if size > 0 {
		query = query.Limit(size)
	}

	var records []models.StatementRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list statements: %w", err)
	}

	result := make([]*models.StatementRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func (s *StatementStorage) CountStatements(ctx context.Context, sessionID string) (int, error) {
	count, err := s.db.Store().Count(&models.StatementRecord{}, badgerhold.Where("SessionID").Eq(sessionID))
	if err != nil {
		return 0, fmt.Errorf("failed to count statements: %w", err)
	}
	return int(count), nil
}

func (s *StatementStorage) DeleteBySession(ctx context.Context, sessionID string) error {
	if err := s.db.Store().DeleteMatching(&models.StatementRecord{}, badgerhold.Where("SessionID").Eq(sessionID)); err != nil {
		return fmt.Errorf("failed to delete statements: %w", err)
	}
	return nil
}
