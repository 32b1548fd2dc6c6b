package engine

import "fmt"

// ValidationError rejects malformed intake input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// StorageError wraps a file-blob write failure. Compensating cleanup has
// already run by the time it reaches the caller.
type StorageError struct {
	Err error
}

func (e StorageError) Error() string { return fmt.Sprintf("file storage: %v", e.Err) }
func (e StorageError) Unwrap() error { return e.Err }

// QueueError reports an enqueue failure after the project was committed. The
// project remains addressable but never dispatched; the sweep finds it.
type QueueError struct {
	Err error
}

func (e QueueError) Error() string { return fmt.Sprintf("queue enqueue: %v", e.Err) }
func (e QueueError) Unwrap() error { return e.Err }
