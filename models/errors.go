// ABOUTME: Error taxonomy for the whiteboard engine
// ABOUTME: Sentinel errors plus an Error wrapper that carries the last known good version
package models

import (
	"errors"
	"fmt"
)

var (
	ErrPageNotFound      = errors.New("page not found")
	ErrElementNotFound   = errors.New("element not found")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDocumentExists    = errors.New("document already exists")
	ErrDocumentFrozen    = errors.New("document is frozen")
	ErrVersionConflict   = errors.New("version conflict")
	ErrVersionCompacted  = errors.New("version no longer retained")
	ErrPersistence       = errors.New("persistence error")
	ErrBusy              = errors.New("document busy")
	ErrInvalidElement    = errors.New("invalid element")
	ErrInvalidDocumentID = errors.New("invalid document id")
	ErrInvalidMutation   = errors.New("invalid mutation")
)

// Error is returned by every engine operation that fails. LastVersion is the
// document's last known good version so callers can decide whether to re-sync.
type Error struct {
	Op          string
	DocumentID  string
	LastVersion int64
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (version %d): %v", e.Op, e.DocumentID, e.LastVersion, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// LastVersion extracts the last known good version from err, if it carries one.
func LastVersion(err error) (int64, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.LastVersion, true
	}
	return 0, false
}

// Retryable reports whether the caller may safely retry after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
