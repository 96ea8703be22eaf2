package replication

import (
	"errors"
	"fmt"
)

// Error kinds returned by the Manager. Callers match them with errors.Is.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrDisabled             = errors.New("backend disabled")
	ErrAdapter              = errors.New("adapter error")
	ErrPersistence          = errors.New("persistence error")
	ErrImportFormat         = errors.New("import format error")
)

// ReferenceError reports a backend that cannot be removed while pins reference it
type ReferenceError struct {
	Backend string
	Pins    int
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("%v: backend %q is referenced by %d pin(s)", ErrReferentialIntegrity, e.Backend, e.Pins)
}

// Unwrap lets errors.Is match ErrReferentialIntegrity
func (e *ReferenceError) Unwrap() error {
	return ErrReferentialIntegrity
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrValidation, "validation"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrReferentialIntegrity, "referential_integrity"},
	{ErrDisabled, "disabled"},
	{ErrAdapter, "adapter"},
	{ErrPersistence, "persistence"},
	{ErrImportFormat, "import_format"},
}

// Kind returns the taxonomy name of err, or "internal" for errors outside it
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

func notFound(what, name string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, what, name)
}
