package rtc

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	playbackRate  = 48000
	frameDuration = 20 * time.Millisecond
	// 200ms of silence keeps the last syllable from being clipped.
	tailFrames   = 10
	maxOpusFrame = 4000
)

type sampleWriter interface {
	WriteSample(media.Sample) error
}

type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// OpusPacedWriter is the playback sink of a call. It encodes 48kHz mono PCM
// into 20ms Opus frames and releases one frame per tick to the outbound track.
type OpusPacedWriter struct {
	enc          frameEncoder
	track        sampleWriter
	frameSamples int
	frames       chan []byte
	// pending counts frames queued but not yet written to the track.
	pending atomic.Int64

	mu      sync.Mutex
	pcmBuf  []int16
	opusBuf []byte

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewOpusPacedWriter starts the pacer for track.
func NewOpusPacedWriter(track *webrtc.TrackLocalStaticSample) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(playbackRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc frameEncoder, track sampleWriter) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: int(playbackRate * frameDuration / time.Second),
		frames:       make(chan []byte, 512),
		opusBuf:      make([]byte, maxOpusFrame),
		stopCh:       make(chan struct{}),
	}
}

// WritePCM appends little-endian PCM and queues every complete frame.
// It blocks while the frame queue is full.
func (w *OpusPacedWriter) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		w.pcmBuf = append(w.pcmBuf, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	n := 0
	for ; len(w.pcmBuf)-n >= w.frameSamples; n += w.frameSamples {
		w.encode(w.pcmBuf[n : n+w.frameSamples])
	}
	w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[n:]...)
}

// FlushTail zero-pads the partial frame and queues the silence tail.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pcmBuf) > 0 {
		frame := make([]int16, w.frameSamples)
		copy(frame, w.pcmBuf)
		w.encode(frame)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < tailFrames; i++ {
		w.encode(silence)
	}
}

// encode must be called with mu held.
func (w *OpusPacedWriter) encode(frame []int16) {
	n, err := w.enc.Encode(frame, w.opusBuf)
	if err != nil || n <= 0 {
		return
	}
	w.pushFrame(append([]byte(nil), w.opusBuf[:n]...))
}

// Close stops the pacer and unblocks a writer waiting on a full queue.
// Queued frames are abandoned.
func (w *OpusPacedWriter) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
				w.pending.Add(-1)
			default:
			}
		}
	}
}

func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	w.pending.Add(1)
	select {
	case <-w.stopCh:
		w.pending.Add(-1)
	case w.frames <- pkt:
	}
}

// WaitDrained blocks until every queued frame has been written to the track,
// the writer is closed, or ctx ends.
func (w *OpusPacedWriter) WaitDrained(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for w.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Reset drops any queued audio.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = w.pcmBuf[:0]
	for {
		select {
		case <-w.frames:
			w.pending.Add(-1)
		default:
			return
		}
	}
}
