package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// PebbleStore keeps all documents in one Pebble database
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *logrus.Logger
}

// NewPebbleStore opens (or creates) the Pebble database under dataDir/state
func NewPebbleStore(dataDir string, syncWrites bool, logger *logrus.Logger) (*PebbleStore, error) {
	dbPath := filepath.Join(dataDir, "state")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := pebble.Open(dbPath, &pebble.Options{
		Logger: &pebbleLogger{logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	writeOpts := pebble.NoSync
	if syncWrites {
		writeOpts = pebble.Sync
	}

	logger.WithField("path", dbPath).Info("Pebble state store initialized")

	return &PebbleStore{db: db, writeOpts: writeOpts, logger: logger}, nil
}

// Load decodes the named document into v
func (s *PebbleStore) Load(ctx context.Context, doc Document, v interface{}) error {
	val, closer, err := s.db.Get(docKey(doc))
	if err == pebble.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s document: %w", doc, err)
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s document: %w", doc, err)
	}
	return nil
}

// Save replaces the named document
func (s *PebbleStore) Save(ctx context.Context, doc Document, v interface{}) error {
	return s.SaveAll(ctx, map[Document]interface{}{doc: v})
}

// SaveAll writes every document in one batch
func (s *PebbleStore) SaveAll(ctx context.Context, docs map[Document]interface{}) error {
	encoded, err := encodeAll(docs)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	for doc, data := range encoded {
		if err := batch.Set(docKey(doc), data, nil); err != nil {
			return fmt.Errorf("failed to stage %s document: %w", doc, err)
		}
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("failed to commit documents: %w", err)
	}
	return nil
}

// Engine returns "pebble"
func (s *PebbleStore) Engine() string {
	return EnginePebble
}

// Close closes the database
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// pebbleLogger adapts logrus to pebble's Logger interface
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

var _ Store = (*PebbleStore)(nil)
