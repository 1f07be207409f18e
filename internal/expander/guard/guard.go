// Package guard holds the precondition checks an expansion run must pass
// before any work starts. Failing one of these is a caller mistake, never a
// transient fault, so nothing here should ever be retried.
package guard

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCursorPosition means the run would start from an instant at or
	// after now. Scan windows are half-open [cursor, now), so such a window is
	// empty or inverted.
	ErrInvalidCursorPosition = errors.New("invalid_cursor_position")

	ErrInvalidBatchSize   = errors.New("invalid_batch_size")
	ErrInvalidStrategy    = errors.New("invalid_strategy")
	ErrInvalidWorkerCount = errors.New("invalid_worker_count")

	// ErrRunInProgress means another expansion run holds the single-flight
	// slot. The caller should wait for it to finish rather than retry.
	ErrRunInProgress = errors.New("run_in_progress")
)

// ValidateCursorPosition rejects a window lower bound that is not strictly
// before the execute time.
func ValidateCursorPosition(cursorTime, executeTime time.Time) error {
	if !cursorTime.Before(executeTime) {
		return fmt.Errorf("%w: cursor %s is not before execute time %s",
			ErrInvalidCursorPosition,
			cursorTime.UTC().Format(time.RFC3339Nano),
			executeTime.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func ValidateBatchSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, size)
	}
	return nil
}

func ValidateWorkerCount(workers int) error {
	if workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkerCount, workers)
	}
	return nil
}

// IsPrecondition reports whether err is one of the guard sentinels.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrInvalidCursorPosition) ||
		errors.Is(err, ErrInvalidBatchSize) ||
		errors.Is(err, ErrInvalidStrategy) ||
		errors.Is(err, ErrInvalidWorkerCount) ||
		errors.Is(err, ErrRunInProgress)
}
