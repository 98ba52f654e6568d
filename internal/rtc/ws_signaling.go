package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// realtimeWSMessage is a minimal signaling message format compatible with common Realtime APIs.
// Types: "auth", "offer", "answer", "session", "candidate", "ice-complete", "bye", "error".
type realtimeWSMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// session
	SessionID string `json:"session_id,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes; pion delivers ICE candidates from its own
// goroutines.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(msg realtimeWSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteJSON(msg)
}

func (c *wsConn) fail(err error) {
	_ = c.send(realtimeWSMessage{Type: "error", Error: err.Error()})
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer + trickle ICE signaling.
// It expects messages: auth(optional) -> offer -> candidates... and responds with
// answer, session, candidates. The call's session ends with the socket.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	conn := &wsConn{Conn: raw}
	defer func() { _ = conn.Close() }()

	if authPassword != "" && !Authorized(r, authPassword) {
		// Otherwise the first frame must be an auth message.
		var m realtimeWSMessage
		if err := conn.ReadJSON(&m); err != nil || strings.ToLower(m.Type) != "auth" || m.Password != authPassword {
			conn.fail(errors.New("unauthorized"))
			return
		}
	}

	offerSDP, ok := readOffer(conn)
	if !ok {
		return
	}

	pc, outTrack, err := h.newPeer()
	if err != nil {
		conn.fail(err)
		return
	}
	sess, err := h.attach(pc, outTrack)
	if err != nil {
		_ = pc.Close()
		conn.fail(err)
		return
	}
	defer func() { _ = h.registry.Close(sess.ID) }()
	logger := h.logger.With().Str("session", sess.ID).Logger()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.send(realtimeWSMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.send(realtimeWSMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		conn.fail(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		conn.fail(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		conn.fail(err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		conn.fail(errors.New("no local description"))
		return
	}
	if err := conn.send(realtimeWSMessage{Type: "answer", SDP: local.SDP}); err != nil {
		logger.Warn().Err(err).Msg("ws write answer failed")
		return
	}
	if err := conn.send(realtimeWSMessage{Type: "session", SessionID: sess.ID}); err != nil {
		return
	}

	// Remote trickle candidates until bye or the socket closes.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var m realtimeWSMessage
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
					logger.Debug().Err(err).Msg("remote candidate rejected")
				}
			case "bye":
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-sess.Done():
	}
}

// readOffer skips frames until an offer arrives. It returns false on bye or
// a read error.
func readOffer(conn *wsConn) (string, bool) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return "", false
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m realtimeWSMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				return m.SDP, true
			}
		case "bye":
			return "", false
		}
	}
}

// Authorized reports whether r carries password as ?password=, a Bearer
// token or X-Auth-Token.
func Authorized(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
