package boardsync

import (
	"errors"
	"fmt"
)

var (
	// ErrWIPLimitReached rejects a move into a full column.
	ErrWIPLimitReached = errors.New("wip limit reached")
	// ErrColumnLocked rejects moving a task out of a locked column.
	ErrColumnLocked = errors.New("column is locked")
	// ErrUnknownColumn rejects a status that is not a board column.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrUnknownTask is returned for ids that are not on the local board.
	ErrUnknownTask = errors.New("task is not on the board")
)

// BulkError reports where a sequential bulk operation stopped. Items in
// Completed stay mutated; nothing is compensated.
type BulkError struct {
	Total     int
	Completed []string
	FailedID  string
	Err       error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("bulk operation failed on %s after %d of %d: %v", e.FailedID, len(e.Completed), e.Total, e.Err)
}

func (e *BulkError) Unwrap() error { return e.Err }
