package storage

import "errors"

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrConcurrentUpdate is returned when a conditional write loses a race.
	ErrConcurrentUpdate = errors.New("concurrent update")
	// ErrBatchNotFound is returned when no batch matches a mark-executed request.
	ErrBatchNotFound = errors.New("scan batch not found")
	// ErrBatchAlreadyExecuted is returned when a batch was already consumed.
	ErrBatchAlreadyExecuted = errors.New("scan batch already executed")
)
