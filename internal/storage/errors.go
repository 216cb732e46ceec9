package storage

import (
	"errors"
	"fmt"

	"github.com/PaulBabatuyi/attachvault/internal/models"
)

// ErrorKind classifies vault failures.
type ErrorKind int

const (
	IoFailure ErrorKind = iota + 1
	EncryptionFailure
	DecryptionFailure
	NotFound
)

func (k ErrorKind) String() string {
	switch k {
	case IoFailure:
		return "io failure"
	case EncryptionFailure:
		return "encryption failure"
	case DecryptionFailure:
		return "decryption failure"
	case NotFound:
		return "not found"
	}
	return "unknown"
}

// StorageError is returned by every Vault operation.
// DecryptionFailure means tamper or corruption and must not be retried.
type StorageError struct {
	Kind     ErrorKind
	RecordID string
	Err      error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vault %s: %s", e.Kind, e.RecordID)
	}
	return fmt.Sprintf("vault %s: %s: %v", e.Kind, e.RecordID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, models.ErrNotFound) match missing blobs.
func (e *StorageError) Is(target error) bool {
	return e.Kind == NotFound && target == models.ErrNotFound
}

// KindOf returns the StorageError kind of err, or 0.
func KindOf(err error) ErrorKind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

func ioErr(id string, err error) error {
	return &StorageError{Kind: IoFailure, RecordID: id, Err: err}
}
