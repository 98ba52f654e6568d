package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/ggtalk/internal/agent"
)

type fakeController struct {
	mu       sync.Mutex
	commands []string
}

func (f *fakeController) add(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, c)
}

func (f *fakeController) Toggle() { f.add("toggle") }
func (f *fakeController) Start()  { f.add("start") }
func (f *fakeController) Stop()   { f.add("stop") }

func (f *fakeController) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type pair struct {
	client  *Client
	browser *websocket.Conn
	ctrl    *fakeController
	served  chan error
}

// connect returns a server-side Client and the browser end of its socket.
func connect(t *testing.T) *pair {
	t.Helper()
	p := &pair{ctrl: &fakeController{}, served: make(chan error, 1)}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.client = NewClient(conn, zerolog.Nop())
		close(ready)
		p.served <- p.client.Serve(context.Background(), p.ctrl)
	}))
	t.Cleanup(srv.Close)

	browser, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = browser.Close() })
	p.browser = browser
	<-ready
	return p
}

func (p *pair) read(t *testing.T) outbound {
	t.Helper()
	require.NoError(t, p.browser.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg outbound
	require.NoError(t, p.browser.ReadJSON(&msg))
	return msg
}

func (p *pair) write(t *testing.T, msg inbound) {
	t.Helper()
	require.NoError(t, p.browser.WriteJSON(msg))
}

func TestClient_CaptureGate(t *testing.T) {
	p := connect(t)
	heard := make(chan string, 4)
	require.NoError(t, p.client.Start(func(text string) { heard <- text }))

	msg := p.read(t)
	assert.Equal(t, "capture", msg.Type)
	require.NotNil(t, msg.Active)
	assert.True(t, *msg.Active)

	p.write(t, inbound{Type: "transcript", Text: "hello there"})
	select {
	case text := <-heard:
		assert.Equal(t, "hello there", text)
	case <-time.After(2 * time.Second):
		t.Fatal("transcript not delivered")
	}

	require.NoError(t, p.client.Stop())
	msg = p.read(t)
	require.NotNil(t, msg.Active)
	assert.False(t, *msg.Active)

	p.write(t, inbound{Type: "transcript", Text: "ignored"})
	p.write(t, inbound{Type: "toggle"})
	require.Eventually(t, func() bool { return len(p.ctrl.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, heard)
}

func TestClient_SpeakLifecycle(t *testing.T) {
	p := connect(t)
	events := make(chan string, 4)
	cb := agent.PlaybackCallbacks{
		OnStart: func() { events <- "start" },
		OnEnd: func(err error) {
			if err != nil {
				events <- "error: " + err.Error()
				return
			}
			events <- "end"
		},
	}
	require.NoError(t, p.client.Speak("Hi!", cb))
	msg := p.read(t)
	assert.Equal(t, "speak", msg.Type)
	assert.Equal(t, "Hi!", msg.Text)

	p.write(t, inbound{Type: "playback", ID: msg.ID, Event: "start"})
	p.write(t, inbound{Type: "playback", ID: msg.ID, Event: "start"})
	p.write(t, inbound{Type: "playback", ID: msg.ID + 100, Event: "end"})
	p.write(t, inbound{Type: "playback", ID: msg.ID, Event: "end"})
	p.write(t, inbound{Type: "playback", ID: msg.ID, Event: "end"})

	assert.Equal(t, "start", <-events)
	assert.Equal(t, "end", <-events)
	p.write(t, inbound{Type: "stop"})
	require.Eventually(t, func() bool { return len(p.ctrl.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, events, "duplicate and unknown playback events are ignored")
}

func TestClient_BrowserPlaybackErrorEndsUtterance(t *testing.T) {
	p := connect(t)
	ended := make(chan error, 2)
	require.NoError(t, p.client.Speak("Hi!", agent.PlaybackCallbacks{
		OnEnd: func(err error) { ended <- err },
	}))
	msg := p.read(t)

	p.write(t, inbound{Type: "playback", ID: msg.ID, Event: "start"})
	p.write(t, inbound{Type: "playback", ID: msg.ID, Event: "error", Text: "synthesis-unavailable"})
	p.write(t, inbound{Type: "playback", ID: msg.ID, Event: "end"})

	select {
	case err := <-ended:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "synthesis-unavailable")
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnd not fired on playback error")
	}
	p.write(t, inbound{Type: "stop"})
	require.Eventually(t, func() bool { return len(p.ctrl.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, ended, "the utterance ends only once")
}

func TestClient_DisconnectEndsPendingUtterance(t *testing.T) {
	p := connect(t)
	ended := make(chan struct{}, 2)
	require.NoError(t, p.client.Speak("long answer", agent.PlaybackCallbacks{
		OnStart: func() {},
		OnEnd: func(err error) {
			assert.ErrorIs(t, err, ErrClosed)
			ended <- struct{}{}
		},
	}))
	_ = p.read(t)

	require.NoError(t, p.browser.Close())
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnd not fired on disconnect")
	}
	select {
	case <-p.served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	require.ErrorIs(t, p.client.Speak("again", agent.PlaybackCallbacks{}), ErrClosed)
	require.ErrorIs(t, p.client.Start(func(string) {}), ErrClosed)
	require.NoError(t, p.client.Stop())
}

func TestClient_Controls(t *testing.T) {
	p := connect(t)
	p.write(t, inbound{Type: "start"})
	p.write(t, inbound{Type: "STOP"})
	p.write(t, inbound{Type: "toggle"})
	p.write(t, inbound{Type: "nonsense"})
	require.Eventually(t, func() bool { return len(p.ctrl.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"start", "stop", "toggle"}, p.ctrl.all())
}
