package common

import (
	"errors"
	"fmt"
)

var (
	// configuration and access
	ErrConfiguration = errors.New("configuration error")
	ErrUnauthorized  = errors.New("unauthorized")

	// file state
	ErrNotFound          = errors.New("not found")
	ErrNotReady          = errors.New("file is not ready for download")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid request")

	// chunk integrity
	ErrIntegrity    = errors.New("chunk integrity check failed")
	ErrMissingChunk = errors.New("missing or duplicate chunk")
	ErrChunkExists  = errors.New("chunk already recorded")

	// backends
	ErrBackendUnavailable  = errors.New("storage backend unavailable")
	ErrObjectNotFound      = errors.New("object not found on backend")
	ErrNoBackendsAvailable = errors.New("no active storage backends available")
	ErrNoQuarantineBackend = errors.New("quarantine backend not available")
)

// ChunkError attaches the file, chunk and backend account to a failure so
// that logs can name all three while errors.Is still sees the cause.
type ChunkError struct {
	Op        string
	FileID    string
	Index     int
	AccountID string
	Err       error
}

func (e *ChunkError) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("%s chunk %d of file %s on account %s: %v", e.Op, e.Index, e.FileID, e.AccountID, e.Err)
	}
	return fmt.Sprintf("%s chunk %d of file %s: %v", e.Op, e.Index, e.FileID, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
