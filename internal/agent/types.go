package agent

import (
	"context"
	"time"
)

// Capture is a continuous speech recognizer. While started it reports the
// accumulated transcript of the current listening period through
// onTranscript, repeatedly, until Stop is called.
type Capture interface {
	Start(onTranscript func(text string)) error
	Stop() error
}

// PlaybackCallbacks are invoked by a Playback backend for one Speak call:
// OnStart once audio is heard, then exactly one OnEnd. OnStart is skipped
// when playback fails before any audio; OnEnd then carries the failure.
type PlaybackCallbacks struct {
	OnStart func()
	OnEnd   func(err error)
}

// Playback synthesizes and plays text. Speak returns once playback has been
// scheduled; an error means nothing was scheduled and no callback will fire.
type Playback interface {
	Speak(text string, cb PlaybackCallbacks) error
}

// Responder produces a reply for a finalized utterance.
type Responder interface {
	Respond(ctx context.Context, utterance string) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, utterance string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, utterance string) (string, error) {
	return f(ctx, utterance)
}

const (
	DefaultApologyText  = "Sorry, I couldn't process that. Please try again."
	DefaultGreetingText = "Hi there! How can I assist you today?"
	DefaultReplyTimeout = 20 * time.Second

	// placeholderText marks the bot turn while a reply is outstanding.
	placeholderText = "..."
)

// Options tune the coordinator. Zero values take the defaults above.
type Options struct {
	SilenceWindow time.Duration
	ApologyText   string
	GreetingText  string
	ReplyTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ApologyText == "" {
		o.ApologyText = DefaultApologyText
	}
	if o.GreetingText == "" {
		o.GreetingText = DefaultGreetingText
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = DefaultReplyTimeout
	}
	return o
}
