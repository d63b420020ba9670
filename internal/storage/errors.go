package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned on unique-constraint violations the caller
	// is expected to handle, such as duplicate submissions.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrTurnLimitReached is returned when a chat turn reservation fails
	// because the snapshot has exhausted its turn budget.
	ErrTurnLimitReached = errors.New("storage: chat turn limit reached")
)
