package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/router"
	"github.com/xkilldash9x/rocker/internal/scanner"
	"github.com/xkilldash9x/rocker/internal/voice"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	intents []router.Intent
	tools   []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, in router.Intent) router.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)
	if _, ok := in.Command.(router.Chat); ok {
		return router.Outcome{Message: "Rate limits exceeded, please try again in a moment."}
	}
	return router.Outcome{Success: true, Message: "ok " + router.Name(in.Command)}
}

func (f *fakeDispatcher) HandleToolCall(_ context.Context, name string, _ map[string]any) router.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, name)
	return router.Outcome{Success: true, Message: "tool " + name, Data: "42"}
}

func (f *fakeDispatcher) last() router.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.intents[len(f.intents)-1]
}

type fakeCaps []scanner.Capability

func (f fakeCaps) Latest() []scanner.Capability { return f }

type fakeVoice voice.State

func (f fakeVoice) Snapshot() voice.State { return voice.State(f) }

func newTestServer(t *testing.T, deps Deps) (*httptest.Server, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{}
	deps.Router = d
	s := New(config.ServerConfig{RequestTimeout: 5 * time.Second}, deps, zaptest.NewLogger(t))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, d
}

func post(t *testing.T, url, body string) (int, CommandResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func get(t *testing.T, url string) (int, CommandResponse) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestIntentEndpoint(t *testing.T) {
	srv, d := newTestServer(t, Deps{})

	code, body := post(t, srv.URL+"/v1/intents", `{"text":"go to the feed"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body.Status)
	in := d.last()
	assert.Equal(t, router.SourceUI, in.Source)
	assert.Equal(t, router.Navigate{Route: "feed"}, in.Command)

	// A failed outcome is reported in the envelope, verbatim.
	code, body = post(t, srv.URL+"/v1/intents", `{"text":"how do I groom a horse?"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "error", body.Status)
	data, ok := body.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Rate limits exceeded, please try again in a moment.", data["message"])

	code, body = post(t, srv.URL+"/v1/intents", `{"tool":"create_entity","args":{"kind":"listing"}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body.Status)
	assert.Equal(t, []string{"create_entity"}, d.tools)

	code, body = post(t, srv.URL+"/v1/intents", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body.Error, "required")

	code, _ = post(t, srv.URL+"/v1/intents", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestReadEndpoints(t *testing.T) {
	t.Run("unconfigured", func(t *testing.T) {
		srv, _ := newTestServer(t, Deps{})
		code, _ := get(t, srv.URL+"/v1/capabilities")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		code, _ = get(t, srv.URL+"/v1/voice")
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("configured", func(t *testing.T) {
		caps := fakeCaps{{Capability: schemas.Capability{Kind: schemas.KindButton, Name: "Post", Selector: "#post"}}}
		srv, _ := newTestServer(t, Deps{Capabilities: caps, Voice: fakeVoice{Status: "listening", AlwaysListening: true}})

		code, body := get(t, srv.URL+"/v1/capabilities")
		assert.Equal(t, http.StatusOK, code)
		list, ok := body.Data.([]any)
		require.True(t, ok)
		assert.Len(t, list, 1)

		code, body = get(t, srv.URL+"/v1/voice")
		assert.Equal(t, http.StatusOK, code)
		state, ok := body.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "listening", state["status"])
		assert.Equal(t, true, state["always_listening"])

		code, body = get(t, srv.URL+"/v1/tools")
		assert.Equal(t, http.StatusOK, code)
		assert.NotEmpty(t, body.Data)
	})
}

func TestSessionAndVisibility(t *testing.T) {
	srv, d := newTestServer(t, Deps{})

	code, _ := post(t, srv.URL+"/v1/sessions/abc-123/load", ``)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, router.LoadSession{SessionID: "abc-123"}, d.last().Command)

	code, _ = post(t, srv.URL+"/v1/visibility", `{"surface":"page","visible":false}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, router.Visibility{Surface: router.SurfacePage, Visible: false}, d.last().Command)

	code, body := post(t, srv.URL+"/v1/visibility", `{"surface":"window","visible":true}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body.Error, "window")
}

func TestOverlaySocket(t *testing.T) {
	logger := zaptest.NewLogger(t)
	overlay := NewOverlay(logger)
	var countMu sync.Mutex
	var counts []int
	d := &fakeDispatcher{}
	overlay.Attach(d, func(n int) {
		countMu.Lock()
		counts = append(counts, n)
		countMu.Unlock()
	})

	s := New(config.ServerConfig{}, Deps{Router: d, Overlay: overlay}, logger)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/overlay"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return overlay.Clients() == 1 }, time.Second, 5*time.Millisecond)

	read := func() WSMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	overlay.Notify(context.Background(), router.Notice{Level: router.LevelInfo, Message: "opened feed", Source: router.SourceVoice})
	msg := read()
	assert.Equal(t, MsgTypeNotice, msg.Type)
	assert.Equal(t, "opened feed", msg.Data["message"])
	assert.NotEmpty(t, msg.Timestamp)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeUtterance, RequestID: "r1", Data: map[string]any{"text": "scroll down"}}))
	msg = read()
	assert.Equal(t, MsgTypeOutcome, msg.Type)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Equal(t, true, msg.Data["success"])
	assert.Equal(t, router.SourceUI, d.last().Source)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeToolCall, RequestID: "r2", Data: map[string]any{"name": "read_page"}}))
	msg = read()
	assert.Equal(t, "r2", msg.RequestID)
	assert.Equal(t, "tool read_page", msg.Data["message"])

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "Dance", RequestID: "r3"}))
	msg = read()
	assert.Equal(t, MsgTypeSystemError, msg.Type)
	assert.Equal(t, "r3", msg.RequestID)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeUtterance, RequestID: "r4", Data: map[string]any{"text": " "}}))
	msg = read()
	assert.Equal(t, MsgTypeSystemError, msg.Type)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	require.Eventually(t, func() bool { return overlay.Clients() == 0 }, time.Second, 5*time.Millisecond)
	overlay.Close()

	countMu.Lock()
	defer countMu.Unlock()
	assert.Equal(t, []int{1, 0}, counts)
}

func TestStartStopsOnCancel(t *testing.T) {
	s := New(config.ServerConfig{ListenAddr: "127.0.0.1:0", ShutdownTimeout: time.Second}, Deps{Router: &fakeDispatcher{}}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
