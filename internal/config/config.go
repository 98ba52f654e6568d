package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chadiek/ggtalk/internal/agent"
	"github.com/chadiek/ggtalk/internal/llm"
	"github.com/chadiek/ggtalk/internal/transcript"
	"github.com/chadiek/ggtalk/internal/tts"
)

const (
	LLMProviderGemini   = "gemini"
	LLMProviderCerebras = "cerebras"

	TTSProviderDeepgram   = "deepgram"
	TTSProviderElevenLabs = "elevenlabs"

	defaultICEServersJSON = `[{"urls":["stun:stun.l.google.com:19302"]}]`
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	AuthPassword   string
	ICEServersJSON string
	LogLevel       string
	LogFormat      string

	SilenceWindow time.Duration
	ReplyTimeout  time.Duration
	ApologyText   string
	GreetingText  string

	LLMProvider       string
	GeminiKey         string
	GeminiModel       string
	SystemInstruction string
	CerebrasKey       string
	CerebrasModelID   string

	AssemblyAIKey string

	TTSProvider       string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
}

// Load reads .env (when present) and the environment, applying defaults.
// Problems are logged as warnings; Load never fails.
func Load() Config {
	return load(log.Logger)
}

func load(logger zerolog.Logger) Config {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := Config{
		HTTPAddress:       envOr("HTTP_ADDRESS", ":8080"),
		AuthPassword:      os.Getenv("AUTH_PASSWORD"),
		ICEServersJSON:    envOr("ICE_SERVERS_JSON", defaultICEServersJSON),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		SilenceWindow:     durationOr(logger, "SILENCE_WINDOW", transcript.DefaultSilenceWindow),
		ReplyTimeout:      durationOr(logger, "REPLY_TIMEOUT", agent.DefaultReplyTimeout),
		ApologyText:       envOr("APOLOGY_TEXT", agent.DefaultApologyText),
		GreetingText:      envOr("GREETING_TEXT", agent.DefaultGreetingText),
		LLMProvider:       strings.ToLower(envOr("LLM_PROVIDER", LLMProviderGemini)),
		GeminiKey:         os.Getenv("GEMINI_API_KEY"),
		GeminiModel:       envOr("GEMINI_MODEL", llm.DefaultGeminiModel),
		SystemInstruction: envOr("SYSTEM_INSTRUCTION", llm.DefaultSystemInstruction),
		CerebrasKey:       os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:   envOr("CEREBRAS_MODEL_ID", llm.DefaultCerebrasModel),
		AssemblyAIKey:     os.Getenv("ASSEMBLYAI_API_KEY"),
		TTSProvider:       strings.ToLower(envOr("TTS_PROVIDER", TTSProviderDeepgram)),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     envOr("DEEPGRAM_MODEL", tts.DefaultDeepgramModel),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
	}

	switch cfg.LLMProvider {
	case LLMProviderGemini:
		if cfg.GeminiKey == "" {
			logger.Warn().Msg("GEMINI_API_KEY not set - replies will fail")
		}
	case LLMProviderCerebras:
		if cfg.CerebrasKey == "" {
			logger.Warn().Msg("CEREBRAS_API_KEY not set - replies will fail")
		}
	default:
		logger.Warn().Str("provider", cfg.LLMProvider).Msg("unknown LLM_PROVIDER, using gemini")
		cfg.LLMProvider = LLMProviderGemini
	}

	if cfg.AssemblyAIKey == "" {
		logger.Warn().Msg("ASSEMBLYAI_API_KEY not set - WebRTC calls cannot listen")
	}

	switch cfg.TTSProvider {
	case TTSProviderDeepgram:
		if cfg.DeepgramKey == "" {
			logger.Warn().Msg("DEEPGRAM_API_KEY not set - WebRTC calls cannot speak")
		}
	case TTSProviderElevenLabs:
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			logger.Warn().Msg("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - WebRTC calls cannot speak")
		}
	default:
		logger.Warn().Str("provider", cfg.TTSProvider).Msg("unknown TTS_PROVIDER, using deepgram")
		cfg.TTSProvider = TTSProviderDeepgram
	}

	logger.Info().Str("http_address", cfg.HTTPAddress).
		Str("llm", cfg.LLMProvider).
		Str("tts", cfg.TTSProvider).
		Dur("silence_window", cfg.SilenceWindow).
		Msg("config loaded")
	return cfg
}

// Agent returns the coordinator options.
func (c Config) Agent() agent.Options {
	return agent.Options{
		SilenceWindow: c.SilenceWindow,
		ApologyText:   c.ApologyText,
		GreetingText:  c.GreetingText,
		ReplyTimeout:  c.ReplyTimeout,
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationOr(logger zerolog.Logger, key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn().Str("key", key).Str("value", raw).Dur("default", def).Msg("invalid duration, using default")
		return def
	}
	return d
}
