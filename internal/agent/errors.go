package agent

import (
	"errors"
	"fmt"
)

// ErrEmptyReply is wrapped in a TransportError when the responder returns
// nothing speakable.
var ErrEmptyReply = errors.New("agent: empty reply")

// TransportError wraps any failure of the responder, including timeouts.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("agent: responder failed: %v", e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// BackendError reports a capture or playback backend that could not start.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("agent: %s backend failed to start: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
