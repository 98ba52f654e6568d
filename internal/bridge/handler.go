package bridge

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/ggtalk/internal/agent"
	"github.com/chadiek/ggtalk/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler starts one session per browser connection.
type Handler struct {
	registry  *session.Registry
	responder agent.Responder
	logger    zerolog.Logger
}

func NewHandler(registry *session.Registry, responder agent.Responder, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, responder: responder, logger: logger}
}

// ServeWebSocket runs the session for the lifetime of the connection.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("browser ws upgrade failed")
		return
	}
	client := NewClient(conn, h.logger)
	defer client.Close()

	ctx := context.WithoutCancel(r.Context())
	sess, err := h.registry.Start(ctx, session.Backends{
		Kind:      "browser",
		Capture:   client,
		Playback:  client,
		Responder: h.responder,
		Close:     client.Close,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("browser session not started")
		return
	}
	defer func() { _ = h.registry.Close(sess.ID) }()

	logger := h.logger.With().Str("session", sess.ID).Logger()
	if err := client.announce(sess.ID); err != nil {
		logger.Debug().Err(err).Msg("browser gone before start")
		return
	}
	go forwardSnapshots(sess, client, logger)

	if err := client.Serve(ctx, sess.Coordinator); err != nil {
		logger.Debug().Err(err).Msg("browser disconnected")
	}
}

func forwardSnapshots(sess *session.Session, client *Client, logger zerolog.Logger) {
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
			if err := client.PushSnapshot(s); err != nil {
				logger.Debug().Err(err).Msg("snapshot not delivered")
				return
			}
		}
	}
}
