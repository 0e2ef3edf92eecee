package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/speckit/internal/retry"
)

// BusyBackoff is the fixed delay suggested for lock contention. It
// overrides the exponential curve.
const BusyBackoff = 25 * time.Millisecond

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// StorageError is returned by every Store method that fails. It carries
// the retry classification of the underlying database error.
type StorageError struct {
	Op    string
	Class retry.Class
	Busy  bool
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Classify() retry.Classification {
	reason := "storage"
	if e.Busy {
		reason = "storage busy"
	}
	return retry.Classification{Class: e.Class, Reason: reason}
}

func (e *StorageError) SuggestedBackoff() (time.Duration, bool) {
	if e.Busy {
		return BusyBackoff, true
	}
	return 0, false
}

// IsStorageError reports whether err came from the store.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// wrap converts a raw database error into a classified StorageError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Class: classOf(err), Busy: isBusy(err), Err: err}
}

func isBusy(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return false
}

func classOf(err error) retry.Class {
	if isBusy(err) {
		return retry.Retryable
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrIoErr, sqlite3.ErrProtocol:
			return retry.Retryable
		}
	}
	return retry.Permanent
}
