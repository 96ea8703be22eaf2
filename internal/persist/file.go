package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// FileStore keeps each document in its own JSON file under a directory
type FileStore struct {
	fs     afero.Fs
	dir    string
	logger *logrus.Logger
}

// NewFileStore creates a file-backed store rooted at dir
func NewFileStore(fs afero.Fs, dir string, logger *logrus.Logger) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	logger.WithField("path", dir).Info("File state store initialized")

	return &FileStore{fs: fs, dir: dir, logger: logger}, nil
}

// Path returns the file holding doc
func (s *FileStore) Path(doc Document) string {
	return filepath.Join(s.dir, string(doc)+".json")
}

// Load decodes the named document into v
func (s *FileStore) Load(ctx context.Context, doc Document, v interface{}) error {
	data, err := afero.ReadFile(s.fs, s.Path(doc))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s document: %w", doc, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s document: %w", doc, err)
	}
	return nil
}

// Save rewrites the named document through a temp file and rename
func (s *FileStore) Save(ctx context.Context, doc Document, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s document: %w", doc, err)
	}

	tmp, err := afero.TempFile(s.fs, s.dir, "."+string(doc)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", doc, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s document: %w", doc, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to sync %s document: %w", doc, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to close %s document: %w", doc, err)
	}

	if err := s.fs.Rename(tmpName, s.Path(doc)); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace %s document: %w", doc, err)
	}

	s.logger.WithFields(logrus.Fields{
		"document": doc,
		"bytes":    len(data),
	}).Debug("Document saved")

	return nil
}

// SaveAll writes each document in turn and stops at the first failure
func (s *FileStore) SaveAll(ctx context.Context, docs map[Document]interface{}) error {
	for _, doc := range []Document{DocSettings, DocBackends, DocPins} {
		v, ok := docs[doc]
		if !ok {
			continue
		}
		if err := s.Save(ctx, doc, v); err != nil {
			return err
		}
	}
	return nil
}

// Engine returns "file"
func (s *FileStore) Engine() string {
	return EngineFile
}

// Close is a no-op for the file engine
func (s *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)
