package tts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/ggtalk/internal/agent"
)

var (
	// ErrBusy is returned by Speak while an earlier utterance is still playing.
	ErrBusy = errors.New("tts: player busy")
	// ErrNoAudio ends an utterance whose synthesis produced nothing.
	ErrNoAudio = errors.New("tts: synthesis produced no audio")
)

// DefaultMaxUtterance bounds synthesis plus playback of a single reply.
const DefaultMaxUtterance = 2 * time.Minute

// Streamer synthesizes text to 48 kHz mono 16-bit PCM.
type Streamer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Sink plays PCM. rtc.OpusPacedWriter is the production sink.
type Sink interface {
	WritePCM(pcm []byte)
	FlushTail()
	WaitDrained(ctx context.Context) error
}

// Player is the agent.Playback backend for calls: it synthesizes a reply and
// plays it into a sink.
type Player struct {
	streamer Streamer
	sink     Sink
	logger   zerolog.Logger

	MaxUtterance time.Duration

	busy   atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPlayer(streamer Streamer, sink Sink, logger zerolog.Logger) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	return &Player{
		streamer:     streamer,
		sink:         sink,
		logger:       logger.With().Str("component", "player").Logger(),
		MaxUtterance: DefaultMaxUtterance,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Speak starts playing text and returns immediately. cb.OnStart fires with
// the first audio and cb.OnEnd fires exactly once when the sink has drained
// or playback failed. A failure is passed to OnEnd even if part of the reply
// was heard.
func (p *Player) Speak(text string, cb agent.PlaybackCallbacks) error {
	if p.ctx.Err() != nil {
		return p.ctx.Err()
	}
	if !p.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	p.wg.Add(1)
	go p.play(text, cb)
	return nil
}

func (p *Player) play(text string, cb agent.PlaybackCallbacks) {
	var endErr error
	defer p.wg.Done()
	defer func() {
		p.busy.Store(false)
		if cb.OnEnd != nil {
			cb.OnEnd(endErr)
		}
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.MaxUtterance)
	defer cancel()

	pcmCh, errCh := p.streamer.StreamPCM48k(ctx, text)
	started := time.Now()
	chunks := 0
	var streamErr error
	for pcmCh != nil || errCh != nil {
		select {
		case pcm, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			if chunks == 0 && cb.OnStart != nil {
				cb.OnStart()
			}
			chunks++
			p.sink.WritePCM(pcm)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}
		}
	}
	if streamErr != nil {
		p.logger.Warn().Err(streamErr).Int("chunks", chunks).Msg("synthesis failed")
		endErr = streamErr
	}
	if chunks == 0 {
		if endErr == nil {
			endErr = ErrNoAudio
		}
		return
	}
	p.sink.FlushTail()
	if err := p.sink.WaitDrained(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("playback did not drain")
		if endErr == nil {
			endErr = err
		}
	}
	p.logger.Debug().Int("chunks", chunks).Dur("took", time.Since(started)).Msg("utterance played")
}

// Close aborts any utterance in progress and waits for its OnEnd.
func (p *Player) Close() {
	p.cancel()
	p.wg.Wait()
}
