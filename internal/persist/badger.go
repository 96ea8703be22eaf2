package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerStore keeps all documents in one BadgerDB so multi-document saves are atomic
type BadgerStore struct {
	db     *badger.DB
	logger *logrus.Logger
}

// NewBadgerStore opens (or creates) the BadgerDB under dataDir/state
func NewBadgerStore(dataDir string, syncWrites bool, logger *logrus.Logger) (*BadgerStore, error) {
	dbPath := filepath.Join(dataDir, "state")

	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(logger)).
		WithSyncWrites(syncWrites).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	logger.WithField("path", dbPath).Info("BadgerDB state store initialized")

	return &BadgerStore{db: db, logger: logger}, nil
}

// Load decodes the named document into v
func (s *BadgerStore) Load(ctx context.Context, doc Document, v interface{}) error {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(doc))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err == ErrNotFound {
			return err
		}
		return fmt.Errorf("failed to read %s document: %w", doc, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s document: %w", doc, err)
	}
	return nil
}

// Save replaces the named document
func (s *BadgerStore) Save(ctx context.Context, doc Document, v interface{}) error {
	return s.SaveAll(ctx, map[Document]interface{}{doc: v})
}

// SaveAll writes every document in a single transaction
func (s *BadgerStore) SaveAll(ctx context.Context, docs map[Document]interface{}) error {
	encoded, err := encodeAll(docs)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for doc, data := range encoded {
			if err := txn.Set(docKey(doc), data); err != nil {
				return fmt.Errorf("failed to store %s document: %w", doc, err)
			}
		}
		return nil
	})
}

// Engine returns "badger"
func (s *BadgerStore) Engine() string {
	return EngineBadger
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func encodeAll(docs map[Document]interface{}) (map[Document][]byte, error) {
	out := make(map[Document][]byte, len(docs))
	for doc, v := range docs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s document: %w", doc, err)
		}
		out[doc] = data
	}
	return out, nil
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

var _ Store = (*BadgerStore)(nil)
