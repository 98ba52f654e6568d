package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultEndpoint   = "wss://streaming.assemblyai.com/v3/ws"
	defaultSampleRate = 16000
)

// ErrNotConnected is returned by SendAudio before Connect or after Close.
var ErrNotConnected = errors.New("transcript: not connected to AssemblyAI")

// AssemblyAIService streams 16 kHz PCM to AssemblyAI and reports the user's
// words while capture is started. Between Stop and the next Start audio is
// dropped and no transcript is delivered.
type AssemblyAIService struct {
	apiKey     string
	endpoint   string
	sampleRate int
	logger     zerolog.Logger

	mu        sync.RWMutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	audioData chan []byte
	stopCh    chan struct{}
	connected bool

	accMu        sync.Mutex
	onTranscript func(string)
	completed    []string
	partial      string
	// Provider-side turn tracking, kept across Start/Stop.
	lastOrder  int
	lastEnded  int
	current    string
	staleOrder int
	stale      string
}

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type           string `json:"type"`
	TurnOrder      int    `json:"turn_order"`
	Transcript     string `json:"transcript"`
	EndOfTurn      bool   `json:"end_of_turn"`
	TurnFormatted  bool   `json:"turn_is_formatted"`
	AudioStartTime int64  `json:"audio_start_time,omitempty"`
	AudioEndTime   int64  `json:"audio_end_time,omitempty"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIService creates a new transcription service. The connection
// is opened by Connect or lazily by the first Start.
func NewAssemblyAIService(apiKey string, logger zerolog.Logger) *AssemblyAIService {
	return &AssemblyAIService{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		sampleRate: defaultSampleRate,
		logger:     logger.With().Str("component", "assemblyai").Logger(),
		lastOrder:  -1,
		lastEnded:  -1,
		staleOrder: -1,
	}
}

// Connect establishes WebSocket connection to AssemblyAI
func (s *AssemblyAIService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("AssemblyAI API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(s.sampleRate))
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("%s?%s", s.endpoint, params.Encode())

	headers := map[string][]string{
		"Authorization": {s.apiKey},
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	s.logger.Info().Str("url", wsURL).Msg("connecting")
	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			s.logger.Error().Int("status", resp.StatusCode).Msg("connection refused")
		}
		return fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	s.conn = conn
	s.connected = true
	// Turn order restarts with every provider session.
	s.accMu.Lock()
	s.lastOrder, s.lastEnded = -1, -1
	s.current = ""
	s.staleOrder, s.stale = -1, ""
	s.accMu.Unlock()
	s.audioData = make(chan []byte, 1000)
	s.stopCh = make(chan struct{})

	go s.handleMessages(conn, s.stopCh)
	go s.sendAudioData(conn, s.audioData, s.stopCh)

	s.logger.Info().Msg("connected")
	return nil
}

// Start opens the transcript gate. onTranscript receives the cumulative text
// heard since this call: completed turns followed by the turn in progress.
func (s *AssemblyAIService) Start(onTranscript func(string)) error {
	if err := s.Connect(); err != nil {
		return err
	}
	s.accMu.Lock()
	defer s.accMu.Unlock()
	s.completed = nil
	s.partial = ""
	s.staleOrder = -1
	s.stale = ""
	if s.lastOrder > s.lastEnded {
		// Words already heard in an unfinished turn belong to an earlier
		// listening period.
		s.staleOrder = s.lastOrder
		s.stale = s.current
	}
	s.onTranscript = onTranscript
	return nil
}

// Stop closes the transcript gate. The connection stays open for the next
// Start.
func (s *AssemblyAIService) Stop() error {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	s.onTranscript = nil
	s.completed = nil
	s.partial = ""
	return nil
}

func (s *AssemblyAIService) listening() bool {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	return s.onTranscript != nil
}

// SendAudio queues audio data to be sent to AssemblyAI. Audio arriving while
// capture is stopped is discarded.
func (s *AssemblyAIService) SendAudio(audioData []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ErrNotConnected
	}
	if !s.listening() {
		return nil
	}
	select {
	case s.audioData <- audioData:
	default:
		s.logger.Warn().Msg("audio buffer full, dropping packet")
	}
	return nil
}

// SendPCM16KLE is SendAudio under the name the media pipeline uses.
func (s *AssemblyAIService) SendPCM16KLE(pcm []byte) error { return s.SendAudio(pcm) }

// Close terminates the provider session. A later Start dials a new one.
func (s *AssemblyAIService) Close() error {
	_ = s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	if s.conn != nil {
		s.writeMu.Lock()
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		s.writeMu.Unlock()
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	s.logger.Info().Msg("connection closed")
	return nil
}

func (s *AssemblyAIService) handleMessages(conn *websocket.Conn, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("recovered in handleMessages")
		}
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.dropConn(conn, stop, err)
			return
		}
		s.processMessage(message)
	}
}

// dropConn forgets conn after the provider side failed so that the next
// Start dials again and SendAudio reports ErrNotConnected meanwhile.
func (s *AssemblyAIService) dropConn(conn *websocket.Conn, stop <-chan struct{}, cause error) {
	select {
	case <-stop:
		return
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.logger.Warn().Err(cause).Msg("connection lost")
	close(s.stopCh)
	_ = conn.Close()
	s.conn = nil
	s.connected = false
}

func (s *AssemblyAIService) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.logger.Warn().Err(err).Msg("unreadable message")
		return
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("bad Begin message")
			return
		}
		s.logger.Info().Str("id", msg.ID).Time("expires_at", time.Unix(msg.ExpiresAt, 0)).Msg("session began")
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("bad Turn message")
			return
		}
		s.onTurn(msg)
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("bad Termination message")
			return
		}
		s.logger.Info().
			Float64("audio_seconds", msg.AudioDurationSeconds).
			Float64("session_seconds", msg.SessionDurationSeconds).
			Msg("session terminated")
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("bad Error message")
			return
		}
		s.logger.Error().Str("error", msg.Error).Msg("provider error")
	default:
		s.logger.Debug().Str("type", base.Type).Msg("unknown message type")
	}
}

func (s *AssemblyAIService) onTurn(msg TurnMessage) {
	s.accMu.Lock()
	if msg.TurnOrder <= s.lastEnded {
		// Formatted repeat of a turn that already ended.
		s.accMu.Unlock()
		return
	}
	s.lastOrder = msg.TurnOrder
	s.current = msg.Transcript
	if msg.EndOfTurn {
		s.lastEnded = msg.TurnOrder
		s.current = ""
	}

	cb := s.onTranscript
	if cb == nil {
		s.accMu.Unlock()
		return
	}
	text := strings.TrimSpace(msg.Transcript)
	if msg.TurnOrder == s.staleOrder {
		text = delta(s.stale, msg.Transcript)
	}
	if msg.EndOfTurn {
		if text != "" {
			s.completed = append(s.completed, text)
		}
		s.partial = ""
		if msg.TurnOrder == s.staleOrder {
			s.staleOrder = -1
			s.stale = ""
		}
	} else {
		s.partial = text
	}
	heard := joinHeard(s.completed, s.partial)
	s.accMu.Unlock()

	cb(heard)
}

// delta returns the part of latest that follows base.
func delta(base, latest string) string {
	d := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if d == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 {
			d = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	return d
}

func joinHeard(completed []string, partial string) string {
	parts := completed
	if partial != "" {
		parts = append(append([]string(nil), completed...), partial)
	}
	return strings.Join(parts, " ")
}

func (s *AssemblyAIService) sendAudioData(conn *websocket.Conn, audio <-chan []byte, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("recovered in sendAudioData")
		}
	}()
	for {
		select {
		case <-stop:
			return
		case pcm := <-audio:
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, pcm)
			s.writeMu.Unlock()
			if err != nil {
				s.dropConn(conn, stop, err)
				return
			}
		}
	}
}
