package tts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog"
)

const (
	DefaultDeepgramModel = "aura-2-thalia-en"

	// Deepgram never tells us an utterance is complete; audio that stops for
	// deepgramIdle is taken as the end.
	deepgramIdle     = 400 * time.Millisecond
	deepgramDeadline = 12 * time.Second
)

// DeepgramClient synthesizes speech over Deepgram's speak WebSocket.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	logger     zerolog.Logger
}

func NewDeepgramClient(apiKey, model string, logger zerolog.Logger) *DeepgramClient {
	if model == "" {
		model = DefaultDeepgramModel
	}
	return &DeepgramClient{
		apiKey:     apiKey,
		model:      model,
		sampleRate: 48000,
		encoding:   "linear16",
		logger:     logger.With().Str("component", "deepgram").Logger(),
	}
}

// StreamPCM48k implements Streamer.
func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- errors.New("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		var lastRecv atomic.Int64
		cb := &speakCallback{onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			lastRecv.Store(time.Now().UnixNano())
			b := make([]byte, len(data))
			copy(b, data)
			select {
			case pcmCh <- b:
			default:
				d.logger.Warn().Int("bytes", len(b)).Msg("pcm buffer full, dropping chunk")
			}
			return nil
		}}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}
		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}
		defer dg.Stop()

		if ok := dg.Connect(); !ok {
			errCh <- errors.New("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.logger.Warn().Err(err).Msg("flush failed")
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(deepgramDeadline)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if last := lastRecv.Load(); last != 0 && now.Sub(time.Unix(0, last)) > deepgramIdle {
					return
				}
				if now.After(deadline) {
					d.logger.Warn().Str("model", d.model).Msg("synthesis deadline reached")
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
