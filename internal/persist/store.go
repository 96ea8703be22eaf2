package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Document names one of the persisted aspects of the replication state
type Document string

const (
	DocSettings Document = "settings"
	DocBackends Document = "backends"
	DocPins     Document = "pins"
)

// Common errors
var (
	ErrNotFound      = errors.New("document not found")
	ErrUnknownEngine = errors.New("unknown store engine")
)

// Store loads and saves whole documents. Values are JSON-encoded by every engine so the
// on-disk shape matches the export/import interchange format.
type Store interface {
	// Load decodes the named document into v. Returns ErrNotFound if it was never saved.
	Load(ctx context.Context, doc Document, v interface{}) error

	// Save replaces the named document with v
	Save(ctx context.Context, doc Document, v interface{}) error

	// SaveAll replaces several documents. KV engines apply them in one batch; the file
	// engine writes them one after another.
	SaveAll(ctx context.Context, docs map[Document]interface{}) error

	// Engine returns the engine name (file, badger, pebble)
	Engine() string

	// Close releases the underlying storage
	Close() error
}

// Engine names accepted by New
const (
	EngineFile   = "file"
	EngineBadger = "badger"
	EnginePebble = "pebble"
)

// Options configures New
type Options struct {
	Engine     string
	DataDir    string
	SyncWrites bool
	Fs         afero.Fs // file engine only; defaults to the OS filesystem
	Logger     *logrus.Logger
}

// New opens the store selected by opts.Engine
func New(opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	switch strings.ToLower(opts.Engine) {
	case "", EngineFile:
		fs := opts.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		return NewFileStore(fs, opts.DataDir, opts.Logger)
	case EngineBadger:
		return NewBadgerStore(opts.DataDir, opts.SyncWrites, opts.Logger)
	case EnginePebble:
		return NewPebbleStore(opts.DataDir, opts.SyncWrites, opts.Logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, opts.Engine)
	}
}

func docKey(doc Document) []byte {
	return []byte("doc/" + string(doc))
}
