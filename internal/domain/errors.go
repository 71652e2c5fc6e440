package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound      = errors.New("download task not found")
	ErrDuplicateTask     = errors.New("an active download already exists for this song")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrInvalidTask       = errors.New("invalid download request")
	ErrPersistence       = errors.New("persistence failure")
)

// DuplicateTaskError is returned by enqueue when the song already has an active task.
type DuplicateTaskError struct {
	SongID       string
	ExistingTask string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("song %s already queued as task %s", e.SongID, e.ExistingTask)
}

func (e *DuplicateTaskError) Is(target error) bool {
	return target == ErrDuplicateTask
}

// TransitionError reports an operation that is not valid from the task's current status.
type TransitionError struct {
	TaskID string
	Op     string
	From   TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s task %s from status %s", e.Op, e.TaskID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PersistenceError wraps a store failure.
func PersistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
