package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/chadiek/ggtalk/internal/conversation"
	"github.com/chadiek/ggtalk/internal/transcript"
)

// Coordinator owns the turn-taking state machine. Every input is posted to a
// queue and handled by Run one at a time, so capture and playback are never
// active together.
type Coordinator struct {
	capture   Capture
	playback  Playback
	responder Responder
	log       *conversation.Log
	opts      Options
	logger    zerolog.Logger
	debouncer *transcript.Debouncer
	queue     *eventQueue
	running   atomic.Bool
	ctx       context.Context

	// Owned by the Run goroutine.
	state          State
	captureActive  bool
	playbackActive bool
	captureGen     uint64
	listenGen      uint64
	replyGen       uint64
	playbackGen    uint64
	// pendingSeq is the placeholder awaiting a reply, 0 when none.
	pendingSeq int64
	dirty      bool

	mu       sync.RWMutex
	view     State
	active   bool
	degraded string

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// NewCoordinator builds an idle coordinator and appends the greeting turn to
// log.
func NewCoordinator(capture Capture, playback Playback, responder Responder, log *conversation.Log, opts Options, logger zerolog.Logger) *Coordinator {
	if log == nil {
		log = conversation.NewLog()
	}
	opts = opts.withDefaults()
	c := &Coordinator{
		capture:   capture,
		playback:  playback,
		responder: responder,
		log:       log,
		opts:      opts,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		debouncer: transcript.NewDebouncer(opts.SilenceWindow),
		queue:     newEventQueue(),
		ctx:       context.Background(),
		subs:      make(map[int]chan Snapshot),
	}
	log.Append(conversation.Turn{Speaker: conversation.SpeakerBot, Text: opts.GreetingText, Status: conversation.StatusFinal})
	return c
}

// Run handles events until ctx is done. Any active capture is stopped on
// return; in-flight playback is left to finish on its own.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("agent: coordinator already running")
	}
	c.ctx = ctx
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.queue.signal:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, ev := range c.queue.drain() {
				c.handle(ev)
			}
			if c.dirty {
				c.dirty = false
				c.notify()
			}
		}
	}
}

// Toggle is the user's start/stop control. It only has an effect in IDLE and
// LISTENING.
func (c *Coordinator) Toggle() { c.queue.push(event{kind: evToggle}) }

// Start is Toggle restricted to IDLE.
func (c *Coordinator) Start() { c.queue.push(event{kind: evStart}) }

// Stop is Toggle restricted to LISTENING.
func (c *Coordinator) Stop() { c.queue.push(event{kind: evStop}) }

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Log returns a snapshot of the conversation.
func (c *Coordinator) Log() []conversation.Turn { return c.log.Snapshot() }

// Degraded returns the last backend failure, or "" when healthy.
func (c *Coordinator) Degraded() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	s := Snapshot{State: c.view, Active: c.active, Degraded: c.degraded}
	c.mu.RUnlock()
	s.Turns = c.log.Snapshot()
	return s
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only see the most recent one. cancel closes the
// channel.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- c.Snapshot()
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev.kind {
	case evToggle:
		switch c.state {
		case StateIdle:
			c.enterListening()
		case StateListening:
			c.stopListening()
		default:
			c.logger.Debug().Str("state", c.state.String()).Msg("toggle ignored")
		}
	case evStart:
		if c.state == StateIdle {
			c.enterListening()
		}
	case evStop:
		if c.state == StateListening {
			c.stopListening()
		}
	case evTranscript:
		if c.state != StateListening || ev.gen != c.captureGen {
			c.logger.Debug().Str("state", c.state.String()).Msg("stale transcript dropped")
			return
		}
		c.debouncer.OnPartialTranscript(ev.text)
	case evFinalized:
		if c.state != StateListening || ev.gen != c.listenGen {
			return
		}
		c.submit(ev.text)
	case evReply:
		if c.state != StateAwaitingReply || ev.gen != c.replyGen {
			return
		}
		c.resolveReply(ev)
	case evPlaybackStart:
		if c.state == StateSpeaking && ev.gen == c.playbackGen {
			c.setActive(true)
		}
	case evPlaybackEnd:
		if c.state != StateSpeaking || ev.gen != c.playbackGen {
			return
		}
		c.playbackActive = false
		c.setActive(false)
		if ev.err != nil {
			c.setDegraded(&BackendError{Backend: "playback", Err: ev.err})
			c.setState(StateIdle)
			return
		}
		c.enterListening()
	}
}

// enterListening starts capture and arms the debouncer, falling back to IDLE
// when the capture backend refuses to start.
func (c *Coordinator) enterListening() {
	c.captureGen++
	gen := c.captureGen
	err := c.capture.Start(func(text string) {
		c.queue.push(event{kind: evTranscript, gen: gen, text: text})
	})
	if err != nil {
		c.captureGen++
		c.debouncer.Reset()
		c.setDegraded(&BackendError{Backend: "capture", Err: err})
		c.setState(StateIdle)
		return
	}
	c.captureActive = true
	c.listenGen++
	listen := c.listenGen
	c.debouncer.Arm(func(text string) {
		c.queue.push(event{kind: evFinalized, gen: listen, text: text})
	})
	c.setDegraded(nil)
	c.setState(StateListening)
}

func (c *Coordinator) stopListening() {
	c.suspendCapture()
	c.setState(StateIdle)
}

// suspendCapture leaves LISTENING: the debouncer is reset and capture is
// stopped before anything else may start.
func (c *Coordinator) suspendCapture() {
	c.debouncer.Reset()
	c.captureGen++
	if !c.captureActive {
		return
	}
	c.captureActive = false
	if err := c.capture.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("capture stop failed")
	}
}

func (c *Coordinator) submit(utterance string) {
	if utterance == "" {
		c.logger.Debug().Msg("empty utterance discarded")
		return
	}
	c.suspendCapture()
	c.log.Append(conversation.Turn{Speaker: conversation.SpeakerUser, Text: utterance, Status: conversation.StatusFinal})
	seq := c.log.Append(conversation.Turn{Speaker: conversation.SpeakerBot, Text: placeholderText, Status: conversation.StatusPending})
	c.dirty = true
	c.replyGen++
	c.pendingSeq = seq
	c.setState(StateAwaitingReply)
	c.logger.Info().Str("utterance", utterance).Int64("placeholder", seq).Msg("utterance submitted")
	go c.request(c.ctx, c.replyGen, seq, utterance)
}

// request performs the single responder call for a turn. The timeout is
// enforced here even if the responder ignores its context.
func (c *Coordinator) request(parent context.Context, gen uint64, seq int64, utterance string) {
	ctx, cancel := context.WithTimeout(parent, c.opts.ReplyTimeout)
	defer cancel()

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := c.responder.Respond(ctx, utterance)
		done <- result{reply: reply, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err == nil {
		res.reply = stripEmphasis(res.reply)
		if res.reply == "" {
			res.err = ErrEmptyReply
		}
	}
	if res.err != nil {
		res.err = &TransportError{Err: res.err}
	}
	c.queue.push(event{kind: evReply, gen: gen, seq: seq, text: res.reply, err: res.err})
}

func (c *Coordinator) resolveReply(ev event) {
	c.pendingSeq = 0
	status, speech := conversation.StatusFinal, ev.text
	if ev.err != nil {
		c.logger.Warn().Err(ev.err).Int64("placeholder", ev.seq).Msg("reply failed, apologising")
		status, speech = conversation.StatusError, c.opts.ApologyText
	}
	if err := c.log.UpdateStatus(ev.seq, status, speech); err != nil {
		c.logger.Error().Err(err).Int64("placeholder", ev.seq).Msg("turn aborted")
		c.enterListening()
		return
	}
	c.dirty = true
	c.speak(speech)
}

func (c *Coordinator) speak(text string) {
	c.playbackGen++
	gen := c.playbackGen
	c.playbackActive = true
	err := c.playback.Speak(text, PlaybackCallbacks{
		OnStart: func() { c.queue.push(event{kind: evPlaybackStart, gen: gen}) },
		OnEnd:   func(err error) { c.queue.push(event{kind: evPlaybackEnd, gen: gen, err: err}) },
	})
	if err != nil {
		c.playbackActive = false
		c.playbackGen++
		c.setDegraded(&BackendError{Backend: "playback", Err: err})
		c.setState(StateIdle)
		return
	}
	c.setState(StateSpeaking)
}

func (c *Coordinator) shutdown() {
	c.suspendCapture()
	if c.pendingSeq != 0 {
		c.replyGen++
		if err := c.log.UpdateStatus(c.pendingSeq, conversation.StatusError, c.opts.ApologyText); err != nil {
			c.logger.Warn().Err(err).Int64("placeholder", c.pendingSeq).Msg("placeholder left unresolved")
		}
		c.pendingSeq = 0
		c.dirty = true
	}
	c.setActive(false)
	c.setState(StateIdle)
	c.notify()
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("state transition")
	c.state = s
	c.mu.Lock()
	c.view = s
	c.mu.Unlock()
	c.dirty = true
}

func (c *Coordinator) setActive(on bool) {
	c.mu.Lock()
	changed := c.active != on
	c.active = on
	c.mu.Unlock()
	if changed {
		c.dirty = true
	}
}

func (c *Coordinator) setDegraded(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
		c.logger.Error().Err(err).Msg("backend degraded")
	}
	c.mu.Lock()
	changed := c.degraded != msg
	c.degraded = msg
	c.mu.Unlock()
	if changed {
		c.dirty = true
	}
}

func (c *Coordinator) notify() {
	snap := c.Snapshot()
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
