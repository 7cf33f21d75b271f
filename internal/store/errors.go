package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound reports a point lookup for an entity that does not exist.
var ErrNotFound = errors.New("not found")

// StorageError wraps persistence failures (constraint violations,
// connectivity loss) so callers can discriminate them from caller errors.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return storageErr(op, err)
}
