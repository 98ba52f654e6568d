package agent

import (
	"fmt"

	"github.com/chadiek/ggtalk/internal/conversation"
)

// State is the turn coordinator's current phase.
type State int

const (
	StateIdle State = iota
	StateListening
	StateAwaitingReply
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateAwaitingReply:
		return "AWAITING_REPLY"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StateIdle, StateListening, StateAwaitingReply, StateSpeaking} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("agent: unknown state %q", b)
}

// Snapshot is the read-only view handed to presentation layers.
type Snapshot struct {
	State State `json:"state"`
	// Active mirrors the playback indicator: true between a playback start
	// and its end.
	Active   bool                `json:"active"`
	Degraded string              `json:"degraded,omitempty"`
	Turns    []conversation.Turn `json:"turns"`
}
