package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chadiek/ggtalk/internal/agent"
	"github.com/chadiek/ggtalk/internal/bridge"
	"github.com/chadiek/ggtalk/internal/config"
	"github.com/chadiek/ggtalk/internal/httpserver"
	"github.com/chadiek/ggtalk/internal/llm"
	"github.com/chadiek/ggtalk/internal/logging"
	"github.com/chadiek/ggtalk/internal/rtc"
	"github.com/chadiek/ggtalk/internal/session"
	"github.com/chadiek/ggtalk/internal/tts"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Logger = logger

	responder := newResponder(cfg)
	registry := session.NewRegistry(cfg.Agent(), logger)

	calls := rtc.NewHandler(registry, logger).
		WithCapture(cfg.AssemblyAIKey).
		WithResponder(responder).
		WithSpeech(newSpeech(cfg, logger)).
		WithICEServers(cfg.ICEServersJSON)

	srv := httpserver.New(httpserver.Deps{
		AuthPassword: cfg.AuthPassword,
		Registry:     registry,
		Calls:        calls,
		Browser:      bridge.NewHandler(registry, responder, logger),
		Logger:       logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.HTTPAddress).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
	// Hijacked WebSocket connections outlive Shutdown; closing the sessions
	// ends them.
	registry.CloseAll()
	logger.Info().Msg("stopped")
}

func newResponder(cfg config.Config) agent.Responder {
	if cfg.LLMProvider == config.LLMProviderCerebras {
		c := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
		c.SystemInstruction = cfg.SystemInstruction
		return c
	}
	return llm.NewGeminiResponder(cfg.GeminiKey, cfg.GeminiModel, cfg.SystemInstruction)
}

func newSpeech(cfg config.Config, logger zerolog.Logger) tts.Streamer {
	if cfg.TTSProvider == config.TTSProviderElevenLabs {
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, logger)
	}
	return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, logger)
}
