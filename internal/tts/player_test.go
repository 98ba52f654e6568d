package tts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/ggtalk/internal/agent"
)

type fakeStreamer struct {
	chunks [][]byte
	err    error
	// hold blocks the stream until closed or the context ends.
	hold chan struct{}
}

func (f *fakeStreamer) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, len(f.chunks))
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		for _, c := range f.chunks {
			pcmCh <- c
		}
		if f.hold != nil {
			select {
			case <-f.hold:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if f.err != nil {
			errCh <- f.err
		}
	}()
	return pcmCh, errCh
}

type fakeSink struct {
	mu      sync.Mutex
	written [][]byte
	flushes int
	drains  int
}

func (s *fakeSink) WritePCM(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, pcm)
}

func (s *fakeSink) FlushTail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *fakeSink) WaitDrained(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
	endErr error
	ended  chan struct{}
}

func newRecorder() *recorder { return &recorder{ended: make(chan struct{}, 4)} }

func (r *recorder) callbacks() agent.PlaybackCallbacks {
	return agent.PlaybackCallbacks{
		OnStart: func() { r.add("start") },
		OnEnd: func(err error) {
			r.mu.Lock()
			r.endErr = err
			r.mu.Unlock()
			r.add("end")
			r.ended <- struct{}{}
		},
	}
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endErr
}

func (r *recorder) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(time.Second):
		t.Fatal("OnEnd never fired")
	}
}

func TestPlayer_PlaysAndDrains(t *testing.T) {
	sink := &fakeSink{}
	p := NewPlayer(&fakeStreamer{chunks: [][]byte{{1, 2}, {3, 4}}}, sink, zerolog.Nop())
	defer p.Close()
	rec := newRecorder()

	require.NoError(t, p.Speak("hello", rec.callbacks()))
	rec.waitEnd(t)

	assert.Equal(t, []string{"start", "end"}, rec.all())
	assert.NoError(t, rec.err())
	assert.Equal(t, [][]byte{{1, 2}, {3, 4}}, sink.written)
	assert.Equal(t, 1, sink.flushes)
	assert.Equal(t, 1, sink.drains)
}

func TestPlayer_FailureBeforeAudioStillEnds(t *testing.T) {
	sink := &fakeSink{}
	p := NewPlayer(&fakeStreamer{err: errors.New("tts down")}, sink, zerolog.Nop())
	defer p.Close()
	rec := newRecorder()

	require.NoError(t, p.Speak("hello", rec.callbacks()))
	rec.waitEnd(t)
	assert.Equal(t, []string{"end"}, rec.all())
	assert.EqualError(t, rec.err(), "tts down")
	assert.Zero(t, sink.flushes)
}

func TestPlayer_EmptySynthesisIsAFailure(t *testing.T) {
	sink := &fakeSink{}
	p := NewPlayer(&fakeStreamer{}, sink, zerolog.Nop())
	defer p.Close()
	rec := newRecorder()

	require.NoError(t, p.Speak("hello", rec.callbacks()))
	rec.waitEnd(t)
	assert.Equal(t, []string{"end"}, rec.all())
	require.ErrorIs(t, rec.err(), ErrNoAudio)
	assert.Zero(t, sink.drains)
}

func TestPlayer_FailureMidStreamPlaysWhatArrived(t *testing.T) {
	sink := &fakeSink{}
	p := NewPlayer(&fakeStreamer{chunks: [][]byte{{9}}, err: errors.New("cut off")}, sink, zerolog.Nop())
	defer p.Close()
	rec := newRecorder()

	require.NoError(t, p.Speak("hello", rec.callbacks()))
	rec.waitEnd(t)
	assert.Equal(t, []string{"start", "end"}, rec.all())
	assert.EqualError(t, rec.err(), "cut off")
	assert.Equal(t, 1, sink.flushes)
}

func TestPlayer_RejectsOverlappingSpeak(t *testing.T) {
	hold := make(chan struct{})
	p := NewPlayer(&fakeStreamer{chunks: [][]byte{{1}}, hold: hold}, &fakeSink{}, zerolog.Nop())
	defer p.Close()
	rec := newRecorder()

	require.NoError(t, p.Speak("first", rec.callbacks()))
	require.ErrorIs(t, p.Speak("second", newRecorder().callbacks()), ErrBusy)

	close(hold)
	rec.waitEnd(t)
	require.Eventually(t, func() bool { return !p.busy.Load() }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Speak("third", rec.callbacks()))
	rec.waitEnd(t)
}

func TestPlayer_CloseAbortsAndEndsOnce(t *testing.T) {
	p := NewPlayer(&fakeStreamer{chunks: [][]byte{{1}}, hold: make(chan struct{})}, &fakeSink{}, zerolog.Nop())
	rec := newRecorder()
	require.NoError(t, p.Speak("long", rec.callbacks()))
	p.Close()

	assert.Equal(t, []string{"start", "end"}, rec.all())
	require.Error(t, p.Speak("after close", rec.callbacks()))
}
