package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks connection and query failures. They are
	// fatal to the current run.
	ErrStoreUnavailable = errors.New("archive: store unavailable")
	// ErrCorruptRecord marks a single row that could not be parsed.
	ErrCorruptRecord = errors.New("archive: corrupt record")
	// ErrThreadNotFound is returned when no thread matches an identity.
	ErrThreadNotFound = errors.New("archive: thread not found")
)

// StoreError wraps a failed store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("archive: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func unavailable(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// CorruptRecordError describes one skipped row.
type CorruptRecordError struct {
	RowID     int64
	MessageID string
	Reason    string
	Err       error
}

func (e *CorruptRecordError) Error() string {
	msg := fmt.Sprintf("archive: corrupt record rowid=%d", e.RowID)
	if e.MessageID != "" {
		msg += " guid=" + e.MessageID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

func (e *CorruptRecordError) Is(target error) bool { return target == ErrCorruptRecord }
