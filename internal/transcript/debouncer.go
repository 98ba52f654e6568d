package transcript

import (
	"strings"
	"sync"
	"time"
)

// DefaultSilenceWindow is how long the caller must stay quiet before the
// accumulated transcript is treated as a finished utterance.
const DefaultSilenceWindow = 6 * time.Second

type stopper interface{ Stop() bool }

// Debouncer turns a stream of accumulated partial transcripts into finalized
// utterances using a trailing silence window. It holds at most one live timer.
type Debouncer struct {
	window    time.Duration
	afterFunc func(time.Duration, func()) stopper

	mu          sync.Mutex
	text        string
	timer       stopper
	epoch       uint64
	onFinalized func(text string)
}

// NewDebouncer returns a disarmed debouncer. A non-positive window falls back
// to DefaultSilenceWindow.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultSilenceWindow
	}
	return &Debouncer{
		window: window,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Window reports the configured silence window.
func (d *Debouncer) Window() time.Duration { return d.window }

// Arm enables the debouncer for one listening period. onFinalized is invoked
// from the timer goroutine.
func (d *Debouncer) Arm(onFinalized func(text string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.onFinalized = onFinalized
}

// Armed reports whether partial transcripts are currently accepted.
func (d *Debouncer) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onFinalized != nil
}

// OnPartialTranscript records text as the transcript so far and restarts the
// silence timer. It is a no-op while disarmed.
func (d *Debouncer) OnPartialTranscript(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onFinalized == nil {
		return
	}
	d.cancelLocked()
	d.text = text
	epoch := d.epoch
	d.timer = d.afterFunc(d.window, func() { d.expire(epoch) })
}

// Reset cancels any pending timer, clears the buffer and disarms without
// emitting.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.text = ""
	d.onFinalized = nil
}

// Pending reports whether a silence timer is running.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Debouncer) expire(epoch uint64) {
	d.mu.Lock()
	if epoch != d.epoch || d.onFinalized == nil {
		d.mu.Unlock()
		return
	}
	text := strings.TrimSpace(d.text)
	cb := d.onFinalized
	d.text = ""
	d.timer = nil
	d.epoch++
	d.mu.Unlock()
	cb(text)
}

// cancelLocked stops the live timer and invalidates it even if its callback
// is already running.
func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		_ = d.timer.Stop()
		d.timer = nil
	}
	d.epoch++
}
