package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker int

const (
	SpeakerUser Speaker = iota
	SpeakerBot
)

func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "USER"
	case SpeakerBot:
		return "BOT"
	default:
		return fmt.Sprintf("Speaker(%d)", int(s))
	}
}

func (s Speaker) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Speaker) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "USER":
		*s = SpeakerUser
	case "BOT":
		*s = SpeakerBot
	default:
		return fmt.Errorf("conversation: unknown speaker %q", string(b))
	}
	return nil
}

// Status is the lifecycle of a turn. It only moves PENDING -> FINAL or
// PENDING -> ERROR.
type Status int

const (
	StatusPending Status = iota
	StatusFinal
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusFinal:
		return "FINAL"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "PENDING":
		*s = StatusPending
	case "FINAL":
		*s = StatusFinal
	case "ERROR":
		*s = StatusError
	default:
		return fmt.Errorf("conversation: unknown status %q", string(b))
	}
	return nil
}

// canMoveTo reports whether a turn in status s may be resolved to next.
func (s Status) canMoveTo(next Status) bool {
	return s == StatusPending && (next == StatusFinal || next == StatusError)
}

// Turn is one message unit in the conversation.
type Turn struct {
	Sequence int64     `json:"sequence"`
	Speaker  Speaker   `json:"speaker"`
	Text     string    `json:"text"`
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
}
