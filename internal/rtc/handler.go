package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/chadiek/ggtalk/internal/agent"
	"github.com/chadiek/ggtalk/internal/session"
	"github.com/chadiek/ggtalk/internal/transcript"
	"github.com/chadiek/ggtalk/internal/tts"
)

// ErrInvalidOffer is returned for a request that is not an SDP offer.
var ErrInvalidOffer = errors.New("invalid offer")

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp"`
	SessionID string `json:"session_id,omitempty"`
}

// Handler answers WebRTC calls. Each call becomes a session whose capture is
// the caller's microphone transcribed by AssemblyAI and whose playback is
// synthesized speech sent back on the call.
type Handler struct {
	registry      *session.Registry
	logger        zerolog.Logger
	assemblyAIKey string
	responder     agent.Responder
	speech        tts.Streamer
	iceServers    []webrtc.ICEServer
}

func NewHandler(registry *session.Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		logger:     logger.With().Str("component", "rtc").Logger(),
		iceServers: parseICEServers(""),
	}
}

func (h *Handler) WithCapture(assemblyAIKey string) *Handler {
	h.assemblyAIKey = assemblyAIKey
	return h
}

func (h *Handler) WithResponder(r agent.Responder) *Handler {
	h.responder = r
	return h
}

func (h *Handler) WithSpeech(s tts.Streamer) *Handler {
	h.speech = s
	return h
}

func (h *Handler) WithICEServers(iceServersJSON string) *Handler {
	h.iceServers = parseICEServers(iceServersJSON)
	return h
}

// HandleOffer accepts an SDP offer, starts a session for the call and
// returns the SDP answer with the session id.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, ErrInvalidOffer
	}
	pc, outTrack, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	sess, err := h.attach(pc, outTrack)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	fail := func(err error) (SessionDescription, error) {
		_ = h.registry.Close(sess.ID)
		return SessionDescription{}, err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fail(err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	local := pc.LocalDescription()
	if local == nil {
		return fail(errors.New("no local description"))
	}
	return SessionDescription{Type: "answer", SDP: local.SDP, SessionID: sess.ID}, nil
}

// newPeer prepares a PeerConnection with codecs, interceptors and the agent's
// outbound audio track.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// attach starts the session for a call and binds its media and control
// handlers. Closing the session closes the peer connection.
func (h *Handler) attach(pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) (*session.Session, error) {
	if h.responder == nil || h.speech == nil {
		return nil, errors.New("rtc: responder and speech are required")
	}
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		return nil, err
	}
	capture := transcript.NewAssemblyAIService(h.assemblyAIKey, h.logger)
	player := tts.NewPlayer(h.speech, paced, h.logger)

	sess, err := h.registry.Start(context.Background(), session.Backends{
		Kind:      "webrtc",
		Capture:   capture,
		Playback:  player,
		Responder: h.responder,
		Close: func() {
			paced.Close()
			player.Close()
			paced.Reset()
			_ = capture.Close()
			_ = pc.Close()
		},
	})
	if err != nil {
		paced.Close()
		return nil, err
	}
	logger := h.logger.With().Str("session", sess.ID).Logger()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go func() { _ = h.registry.Close(sess.ID) }()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug().Str("state", state.String()).Msg("ICE state")
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		logger.Info().Msg("control channel opened")
		dc.OnOpen(func() { go pushSnapshots(dc, sess, logger) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !applyControl(sess.Coordinator, string(msg.Data)) {
				logger.Debug().Str("command", string(msg.Data)).Msg("unknown control command")
			}
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		logger.Info().Str("codec", remote.Codec().MimeType).Msg("remote audio track received")
		dec, err := opus.NewDecoder(16000, 1)
		if err != nil {
			logger.Error().Err(err).Msg("opus decoder")
			return
		}
		go readMic(remote, dec, capture, logger)
	})
	return sess, nil
}

type controller interface {
	Toggle()
	Start()
	Stop()
}

// applyControl runs a control channel command and reports whether it was
// recognised.
func applyControl(c controller, raw string) bool {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "toggle":
		c.Toggle()
	case "start":
		c.Start()
	case "stop":
		c.Stop()
	default:
		return false
	}
	return true
}

type textSender interface {
	SendText(string) error
}

func pushSnapshots(dc textSender, sess *session.Session, logger zerolog.Logger) {
	updates, cancel := sess.Coordinator.Subscribe()
	defer cancel()
	for {
		select {
		case <-sess.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			b, err := json.Marshal(s)
			if err != nil {
				logger.Error().Err(err).Msg("snapshot encode")
				return
			}
			if err := dc.SendText(string(b)); err != nil {
				logger.Debug().Err(err).Msg("control channel closed")
				return
			}
		}
	}
}

const micChunkBytes = 3200 // 100ms of 16 kHz mono PCM

// micChunker packs decoded 16 kHz samples into little-endian PCM chunks.
type micChunker struct {
	buf  []byte
	size int
}

func newMicChunker(size int) *micChunker {
	return &micChunker{buf: make([]byte, 0, size*4), size: size}
}

func (m *micChunker) push(samples []int16, emit func([]byte)) {
	for _, v := range samples {
		m.buf = binary.LittleEndian.AppendUint16(m.buf, uint16(v))
	}
	for len(m.buf) >= m.size {
		chunk := make([]byte, m.size)
		copy(chunk, m.buf[:m.size])
		emit(chunk)
		n := copy(m.buf, m.buf[m.size:])
		m.buf = m.buf[:n]
	}
}

type pcmSink interface {
	SendPCM16KLE(pcm []byte) error
}

func readMic(remote *webrtc.TrackRemote, dec *opus.Decoder, sink pcmSink, logger zerolog.Logger) {
	chunker := newMicChunker(micChunkBytes)
	samples := make([]int16, 1920)
	send := func(chunk []byte) {
		if err := sink.SendPCM16KLE(chunk); err != nil {
			logger.Debug().Err(err).Msg("mic audio not forwarded")
		}
	}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("remote track ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			logger.Debug().Err(err).Msg("opus decode")
			continue
		}
		chunker.push(samples[:n], send)
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
