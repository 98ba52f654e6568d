// Package bridge lets a browser act as both capture and playback backend:
// the page runs speech recognition and synthesis and talks to the
// coordinator over a WebSocket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/ggtalk/internal/agent"
)

var ErrClosed = errors.New("bridge: browser disconnected")

const writeWait = 5 * time.Second

// Server to browser:
//
//	{"type":"session","session":"<id>"}
//	{"type":"capture","active":true}
//	{"type":"speak","id":3,"text":"..."}
//	{"type":"snapshot","snapshot":{...}}
//
// Browser to server:
//
//	{"type":"transcript","text":"..."}
//	{"type":"playback","id":3,"event":"start"|"end"}
//	{"type":"playback","id":3,"event":"error","text":"<reason>"}
//	{"type":"toggle"} / {"type":"start"} / {"type":"stop"}
type outbound struct {
	Type     string          `json:"type"`
	Session  string          `json:"session,omitempty"`
	Active   *bool           `json:"active,omitempty"`
	ID       int64           `json:"id,omitempty"`
	Text     string          `json:"text,omitempty"`
	Snapshot *agent.Snapshot `json:"snapshot,omitempty"`
}

type inbound struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	ID    int64  `json:"id"`
	Event string `json:"event"`
}

// Controller receives the user's start/stop control.
type Controller interface {
	Toggle()
	Start()
	Stop()
}

type utterance struct {
	cb      agent.PlaybackCallbacks
	started bool
}

// Client implements agent.Capture and agent.Playback for one browser.
type Client struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	onTranscript func(string)
	nextID       int64
	playing      map[int64]*utterance
	closed       bool
}

func NewClient(conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		conn:    conn,
		logger:  logger.With().Str("component", "bridge").Logger(),
		playing: make(map[int64]*utterance),
	}
}

func (c *Client) Start(onTranscript func(string)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.onTranscript = onTranscript
	c.mu.Unlock()
	on := true
	return c.send(outbound{Type: "capture", Active: &on})
}

func (c *Client) Stop() error {
	c.mu.Lock()
	c.onTranscript = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	off := false
	return c.send(outbound{Type: "capture", Active: &off})
}

// Speak asks the browser to say text. OnEnd fires when the browser reports
// the end or an error, or with ErrClosed when it disconnects first.
func (c *Client) Speak(text string, cb agent.PlaybackCallbacks) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.playing[id] = &utterance{cb: cb}
	c.mu.Unlock()

	if err := c.send(outbound{Type: "speak", ID: id, Text: text}); err != nil {
		c.mu.Lock()
		delete(c.playing, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) announce(sessionID string) error {
	return c.send(outbound{Type: "session", Session: sessionID})
}

// PushSnapshot forwards a coordinator snapshot for display.
func (c *Client) PushSnapshot(s agent.Snapshot) error {
	return c.send(outbound{Type: "snapshot", Snapshot: &s})
}

func (c *Client) send(msg outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// Serve reads browser messages until the connection or ctx ends. Pending
// utterances are ended before it returns.
func (c *Client) Serve(ctx context.Context, ctrl Controller) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	defer c.disconnect()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("unreadable message")
			continue
		}
		c.dispatch(msg, ctrl)
	}
}

func (c *Client) dispatch(msg inbound, ctrl Controller) {
	switch strings.ToLower(msg.Type) {
	case "transcript":
		c.mu.Lock()
		cb := c.onTranscript
		c.mu.Unlock()
		if cb != nil {
			cb(msg.Text)
		}
	case "playback":
		c.playbackEvent(msg.ID, msg.Event, msg.Text)
	case "toggle":
		ctrl.Toggle()
	case "start":
		ctrl.Start()
	case "stop":
		ctrl.Stop()
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("unknown message type")
	}
}

func (c *Client) playbackEvent(id int64, event, reason string) {
	c.mu.Lock()
	u, ok := c.playing[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	var fire func()
	switch event {
	case "start":
		if !u.started && u.cb.OnStart != nil {
			u.started = true
			fire = u.cb.OnStart
		}
	case "end", "error":
		delete(c.playing, id)
		var err error
		if event == "error" {
			if reason == "" {
				reason = "unknown"
			}
			err = fmt.Errorf("bridge: browser playback failed: %s", reason)
		}
		if end := u.cb.OnEnd; end != nil {
			fire = func() { end(err) }
		}
	}
	c.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	c.closed = true
	c.onTranscript = nil
	pending := c.playing
	c.playing = make(map[int64]*utterance)
	c.mu.Unlock()
	for _, u := range pending {
		if u.cb.OnEnd != nil {
			u.cb.OnEnd(ErrClosed)
		}
	}
}

// Close drops the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
