package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("conversation: turn not found")
	ErrInvalidTransition = errors.New("conversation: invalid status transition")
)

// NotFoundError is returned when no turn carries the requested sequence.
type NotFoundError struct {
	Sequence int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("conversation: no turn with sequence %d", e.Sequence)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidTransitionError is returned when a status update would move a turn
// out of anything other than PENDING.
type InvalidTransitionError struct {
	Sequence int64
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("conversation: turn %d cannot move from %s to %s", e.Sequence, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
