package agent

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chadiek/ggtalk/internal/conversation"
)

// step drives the state machine directly, without Run, so that every
// interleaving of inputs can be replayed deterministically.
type step struct {
	name  string
	apply func(h *harness)
}

func walkSteps() []step {
	c := func(h *harness) *Coordinator { return h.c }
	return []step{
		{"toggle", func(h *harness) { c(h).handle(event{kind: evToggle}) }},
		{"start", func(h *harness) { c(h).handle(event{kind: evStart}) }},
		{"stop", func(h *harness) { c(h).handle(event{kind: evStop}) }},
		{"partial", func(h *harness) {
			c(h).handle(event{kind: evTranscript, gen: c(h).captureGen, text: "partial"})
		}},
		{"finalize", func(h *harness) {
			c(h).handle(event{kind: evFinalized, gen: c(h).listenGen, text: "hello"})
		}},
		{"finalize_empty", func(h *harness) {
			c(h).handle(event{kind: evFinalized, gen: c(h).listenGen, text: ""})
		}},
		{"finalize_stale", func(h *harness) {
			c(h).handle(event{kind: evFinalized, gen: c(h).listenGen - 1, text: "old"})
		}},
		{"reply_ok", func(h *harness) {
			c(h).handle(event{kind: evReply, gen: c(h).replyGen, seq: lastSeq(h), text: "Hi!"})
		}},
		{"reply_err", func(h *harness) {
			c(h).handle(event{kind: evReply, gen: c(h).replyGen, seq: lastSeq(h), err: &TransportError{Err: errors.New("boom")}})
		}},
		{"play_start", func(h *harness) {
			c(h).handle(event{kind: evPlaybackStart, gen: c(h).playbackGen})
		}},
		{"play_end", func(h *harness) {
			if c(h).state == StateSpeaking {
				h.monitor.setPlaying(false)
			}
			c(h).handle(event{kind: evPlaybackEnd, gen: c(h).playbackGen})
		}},
		{"play_fail", func(h *harness) {
			if c(h).state == StateSpeaking {
				h.monitor.setPlaying(false)
			}
			c(h).handle(event{kind: evPlaybackEnd, gen: c(h).playbackGen, err: errors.New("synthesis failed")})
		}},
	}
}

func lastSeq(h *harness) int64 {
	last, ok := h.c.log.Last()
	if !ok {
		return 0
	}
	return last.Sequence
}

func checkInvariants(h *harness, before State, s step) error {
	c := h.c
	capturing, playing, violations := h.monitor.snapshot()
	if violations > 0 {
		return errors.New("capture and playback overlapped")
	}
	if capturing != c.captureActive || playing != c.playbackActive {
		return fmt.Errorf("backend flags out of sync: capturing=%v playing=%v", capturing, playing)
	}
	switch c.state {
	case StateIdle, StateAwaitingReply:
		if capturing || playing {
			return fmt.Errorf("%s with active backend", c.state)
		}
	case StateListening:
		if !capturing || playing || !c.debouncer.Armed() {
			return errors.New("LISTENING without capture")
		}
	case StateSpeaking:
		if capturing || !playing {
			return errors.New("SPEAKING without playback")
		}
	}
	if c.state != StateListening && c.debouncer.Armed() {
		return fmt.Errorf("debouncer armed in %s", c.state)
	}
	if (s.name == "toggle" || s.name == "start" || s.name == "stop") &&
		(before == StateAwaitingReply || before == StateSpeaking) && c.state != before {
		return fmt.Errorf("%s changed state from %s", s.name, before)
	}

	turns := c.log.Snapshot()
	pending := 0
	for i, turn := range turns {
		if turn.Status == conversation.StatusPending {
			pending++
		}
		if i > 0 && turn.Sequence <= turns[i-1].Sequence {
			return errors.New("sequences not increasing")
		}
	}
	if pending > 1 {
		return errors.New("more than one pending turn")
	}
	if (pending == 1) != (c.state == StateAwaitingReply) {
		return fmt.Errorf("pending=%d in %s", pending, c.state)
	}
	return nil
}

func TestCoordinator_AllSequences(t *testing.T) {
	steps := walkSteps()
	const depth = 4

	var walk func(path []int)
	walk = func(path []int) {
		if len(path) == depth {
			return
		}
		for i := range steps {
			next := append(append([]int(nil), path...), i)
			h := newHarness(t, replyWith("unused", nil), Options{SilenceWindow: time.Hour})
			for n, idx := range next {
				before := h.c.state
				steps[idx].apply(h)
				if err := checkInvariants(h, before, steps[idx]); err != nil {
					names := make([]string, 0, n+1)
					for _, j := range next[:n+1] {
						names = append(names, steps[j].name)
					}
					t.Fatalf("after %s: %v", strings.Join(names, " > "), err)
				}
			}
			h.c.debouncer.Reset()
			walk(next)
		}
	}
	walk(nil)
}
