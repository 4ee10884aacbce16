package iceberg

import (
	"errors"
	"fmt"

	"arctic-lake/storage"
)

var (
	ErrCommitConflict     = errors.New("commit conflict")
	ErrValidation         = errors.New("validation failed")
	ErrRetentionTooLow    = errors.New("retention threshold below minimum")
	ErrNotFound           = errors.New("not found")
	ErrStorage            = errors.New("storage failure")
	ErrCompactionConflict = errors.New("compaction conflict")
	ErrAlreadyExists      = errors.New("already exists")
	ErrNamespaceNotEmpty  = errors.New("namespace not empty")
	ErrForbidden          = errors.New("forbidden")
)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storageErr classifies a blob store failure. Missing objects surface as
// ErrNotFound, everything else as ErrStorage.
func storageErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
