package agent

import "sync"

type eventKind int

const (
	evToggle eventKind = iota
	evStart
	evStop
	evTranscript
	evFinalized
	evReply
	evPlaybackStart
	evPlaybackEnd
)

func (k eventKind) String() string {
	switch k {
	case evToggle:
		return "toggle"
	case evStart:
		return "start"
	case evStop:
		return "stop"
	case evTranscript:
		return "transcript"
	case evFinalized:
		return "finalized"
	case evReply:
		return "reply"
	case evPlaybackStart:
		return "playback_start"
	case evPlaybackEnd:
		return "playback_end"
	default:
		return "unknown"
	}
}

// event is one input to the coordinator. gen ties callbacks to the
// capture, listening, reply or playback period that produced them.
type event struct {
	kind eventKind
	gen  uint64
	seq  int64
	text string
	err  error
}

// eventQueue is an unbounded FIFO so that timers, backends and HTTP handlers
// never block on the coordinator.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []event {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}
