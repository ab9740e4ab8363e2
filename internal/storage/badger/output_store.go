package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
)

// OutputStore implements the OutputStore interface on the raw Badger
// key-value store. Output blobs carry a TTL so history expires on its
// own; an expired or missing blob reads back as nil, not an error.
type OutputStore struct {
	raw    *badgerdb.DB
	ttl    time.Duration
	logger arbor.ILogger
}

// NewOutputStore creates a new OutputStore instance
func NewOutputStore(db *BadgerDB, ttl time.Duration, logger arbor.ILogger) interfaces.OutputStore {
	return &OutputStore{
		raw:    db.Raw(),
		ttl:    ttl,
		logger: logger,
	}
}

func outputKey(sessionID string, id int) []byte {
	return []byte(fmt.Sprintf("output:%s:%d", sessionID, id))
}

func outputPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("output:%s:", sessionID))
}

func (s *OutputStore) PutOutput(ctx context.Context, sessionID string, id int, output *models.StatementOutput) error {
	if output == nil {
		return fmt.Errorf("statement output is nil")
	}

	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	return s.raw.Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(outputKey(sessionID, id), data)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *OutputStore) GetOutput(ctx context.Context, sessionID string, id int) (*models.StatementOutput, error) {
	var output *models.StatementOutput

	err := s.raw.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(outputKey(sessionID, id))
		if err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return nil
			}
			return err
		}

		return item.Value(func(val []byte) error {
			var out models.StatementOutput
			if err := json.Unmarshal(val, &out); err != nil {
				return fmt.Errorf("failed to unmarshal output: %w", err)
			}
			output = &out
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get output: %w", err)
	}
	return output, nil
}

func (s *OutputStore) DeleteOutput(ctx context.Context, sessionID string, id int) error {
	return s.raw.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(outputKey(sessionID, id))
	})
}

func (s *OutputStore) DeleteBySession(ctx context.Context, sessionID string) error {
	prefix := outputPrefix(sessionID)

	// Collect keys under the session prefix, then delete outside the iterator
	var keys [][]byte
	err := s.raw.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan outputs: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	return s.raw.Update(func(txn *badgerdb.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
