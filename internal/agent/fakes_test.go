package agent

import (
	"context"
	"sync"
	"testing"
)

// monitor records cross-backend activity so tests can check that capture and
// playback never overlap.
type monitor struct {
	mu         sync.Mutex
	capturing  bool
	playing    bool
	violations int
}

func (p *monitor) setCapturing(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on && p.playing {
		p.violations++
	}
	p.capturing = on
}

func (p *monitor) setPlaying(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on && p.capturing {
		p.violations++
	}
	p.playing = on
}

func (p *monitor) snapshot() (capturing, playing bool, violations int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capturing, p.playing, p.violations
}

type fakeCapture struct {
	monitor *monitor

	mu           sync.Mutex
	startErr     error
	starts       int
	stops        int
	onTranscript func(string)
}

func (f *fakeCapture) Start(onTranscript func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.onTranscript = onTranscript
	f.monitor.setCapturing(true)
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.monitor.setCapturing(false)
	return nil
}

// emit delivers a transcript through the callback handed to the latest Start,
// even if capture has since been stopped.
func (f *fakeCapture) emit(text string) {
	f.mu.Lock()
	cb := f.onTranscript
	f.mu.Unlock()
	if cb != nil {
		cb(text)
	}
}

func (f *fakeCapture) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakePlayback struct {
	monitor *monitor

	mu       sync.Mutex
	speakErr error
	spoken   []string
	cb       PlaybackCallbacks
	// auto plays every utterance to completion right away.
	auto bool
}

func (f *fakePlayback) Speak(text string, cb PlaybackCallbacks) error {
	f.mu.Lock()
	if f.speakErr != nil {
		f.mu.Unlock()
		return f.speakErr
	}
	f.spoken = append(f.spoken, text)
	f.cb = cb
	auto := f.auto
	f.mu.Unlock()
	f.monitor.setPlaying(true)
	if auto {
		go func() {
			cb.OnStart()
			f.finish()
		}()
	}
	return nil
}

func (f *fakePlayback) started() {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.OnStart()
}

// finish ends the current utterance and reports it to the coordinator.
func (f *fakePlayback) finish() { f.end(nil) }

// fail ends the current utterance with a playback failure.
func (f *fakePlayback) fail(err error) { f.end(err) }

func (f *fakePlayback) end(err error) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	f.monitor.setPlaying(false)
	if cb.OnEnd != nil {
		cb.OnEnd(err)
	}
}

func (f *fakePlayback) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, utterance string) (string, error)
}

func (f *fakeResponder) Respond(ctx context.Context, utterance string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, utterance)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, utterance)
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func replyWith(reply string, err error) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return reply, err }
}

type harness struct {
	c       *Coordinator
	monitor *monitor
	cap     *fakeCapture
	pb      *fakePlayback
	resp    *fakeResponder
}

func newHarness(t *testing.T, fn func(context.Context, string) (string, error), opts Options) *harness {
	t.Helper()
	p := &monitor{}
	h := &harness{
		monitor: p,
		cap:     &fakeCapture{monitor: p},
		pb:      &fakePlayback{monitor: p},
		resp:    &fakeResponder{fn: fn},
	}
	h.c = NewCoordinator(h.cap, h.pb, h.resp, nil, opts, testLogger(t))
	return h
}

// run starts the event loop for the duration of the test.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}
