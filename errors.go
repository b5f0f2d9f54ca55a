package kvstore

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrKeyNotFound = errors.New("key not found")

	// ErrMalformed is returned when a record payload cannot be decoded.
	ErrMalformed = errors.New("malformed command record")

	// ErrTruncated is returned when a record frame ends before its declared length.
	ErrTruncated = errors.New("truncated command record")

	ErrClosed = errors.New("engine is closed")

	// ErrRotationFailed is returned when the active segment could not be renamed.
	// The flush that hit it is abandoned and the MemTable is left intact.
	ErrRotationFailed = errors.New("segment rotation failed")

	ErrStorageFull = errors.New("no space left on storage device")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// writeError wraps a failed append, mapping a full device onto ErrStorageFull.
func writeError(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w: %v", op, ErrStorageFull, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isCorruption reports whether err comes from a damaged record rather than from I/O.
func isCorruption(err error) bool {
	return errors.Is(err, ErrTruncated) || errors.Is(err, ErrMalformed)
}
