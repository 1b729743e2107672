package websocket_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/boardboard/internal/notifications"
	ws "github.com/nfrund/boardboard/internal/websocket"
)

type inboundLog struct {
	mu    sync.Mutex
	calls []ws.Inbound
}

func (l *inboundLog) handle(_ context.Context, sessionID string, in ws.Inbound) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, in)
	if in.Topic == "forbidden" {
		return errors.New("not allowed on this topic")
	}
	return nil
}

func (l *inboundLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

type testFixture struct {
	bridge  *ws.Bridge
	server  *httptest.Server
	inbound *inboundLog
}

// setupTestFixture serves the bridge on /ws. The X-Session header stands in
// for the session cookie.
func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	inbound := &inboundLog{}
	bridge := ws.NewBridge(func(c echo.Context) (string, bool) {
		id := c.Request().Header.Get("X-Session")
		return id, id != ""
	}, ws.Options{Inbound: inbound.handle})

	ctx, cancel := context.WithCancel(context.Background())
	go bridge.Run(ctx)

	e := echo.New()
	e.GET("/ws", bridge.Handler())
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &testFixture{bridge: bridge, server: server, inbound: inbound}
}

func (f *testFixture) dial(t *testing.T, sessionID string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, resp, err := gorilla.DefaultDialer.Dial(url, http.Header{"X-Session": []string{sessionID}})
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return f.bridge.Connected(sessionID) > 0
	}, time.Second, 10*time.Millisecond)
	return conn
}

func readJSON(t *testing.T, conn *gorilla.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var v map[string]any
	require.NoError(t, conn.ReadJSON(&v))
	return v
}

func TestBridge_RejectsAnonymous(t *testing.T) {
	f := setupTestFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"

	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBridge_NotifyDeliversToast(t *testing.T) {
	f := setupTestFixture(t)
	alice := f.dial(t, "s-alice")
	aliceTab2 := f.dial(t, "s-alice")
	bob := f.dial(t, "s-bob")
	require.Eventually(t, func() bool { return f.bridge.Connected("s-alice") == 2 }, time.Second, 10*time.Millisecond)

	toast := notifications.Toast{
		Title: "You got a new friend request!",
		Icon:  "i-fluent-people-community-16-regular",
		Event: "friend_request",
	}
	require.NoError(t, f.bridge.Notify(context.Background(), "s-alice", toast))

	for _, conn := range []*gorilla.Conn{alice, aliceTab2} {
		msg := readJSON(t, conn)
		assert.Equal(t, ws.TypeToast, msg["type"])
		payload, ok := msg["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, toast.Title, payload["title"])
		assert.Equal(t, "friend_request", payload["event"])
	}

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "other sessions receive nothing")
}

func TestBridge_Ping(t *testing.T) {
	f := setupTestFixture(t)
	conn := f.dial(t, "s1")

	require.NoError(t, conn.WriteJSON(map[string]string{"action": ws.ActionPing}))
	assert.Equal(t, ws.TypePong, readJSON(t, conn)["type"])
	assert.Zero(t, f.inbound.len(), "ping is answered by the bridge")
}

func TestBridge_InboundActions(t *testing.T) {
	f := setupTestFixture(t)
	conn := f.dial(t, "s1")

	t.Run("not whitelisted", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "topic": "user:x"}))
		msg := readJSON(t, conn)
		assert.Equal(t, ws.TypeError, msg["type"])
	})

	t.Run("invalid json keeps the connection", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte(`{invalid`)))
		assert.Equal(t, ws.TypeError, readJSON(t, conn)["type"])

		require.NoError(t, conn.WriteJSON(map[string]string{"action": ws.ActionPing}))
		assert.Equal(t, ws.TypePong, readJSON(t, conn)["type"])
	})

	t.Run("broadcast is forwarded", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]any{
			"action":  ws.ActionBroadcast,
			"topic":   "board:1",
			"event":   "moved",
			"payload": map[string]int{"x": 1},
		}))
		require.Eventually(t, func() bool { return f.inbound.len() == 1 }, time.Second, 10*time.Millisecond)
	})

	t.Run("handler error is reported", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]string{"action": ws.ActionBroadcast, "topic": "forbidden"}))
		msg := readJSON(t, conn)
		assert.Equal(t, ws.TypeError, msg["type"])
	})
}

func TestBridge_Broadcast(t *testing.T) {
	f := setupTestFixture(t)
	a := f.dial(t, "s1")
	b := f.dial(t, "s2")

	require.NoError(t, f.bridge.Broadcast(context.Background(), []byte(`{"type":"command","payload":{"name":"reload"}}`)))
	assert.Equal(t, ws.TypeCommand, readJSON(t, a)["type"])
	assert.Equal(t, ws.TypeCommand, readJSON(t, b)["type"])
}

func TestBridge_Disconnect(t *testing.T) {
	f := setupTestFixture(t)
	conn := f.dial(t, "s1")

	require.NoError(t, f.bridge.Send(context.Background(), "s1", ws.NewCommand(ws.CmdSessionExpired, nil)))
	msg := readJSON(t, conn)
	assert.Equal(t, ws.TypeCommand, msg["type"])

	require.NoError(t, f.bridge.Disconnect(context.Background(), "s1"))
	require.Eventually(t, func() bool { return f.bridge.Connected("s1") == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestBridge_ClientCloseUnregisters(t *testing.T) {
	f := setupTestFixture(t)
	conn := f.dial(t, "s1")

	require.NoError(t, conn.WriteMessage(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return f.bridge.Connected("s1") == 0 }, 2*time.Second, 10*time.Millisecond)

	// Sessions without connections simply drop messages.
	assert.NoError(t, f.bridge.SendDirect(context.Background(), "s1", []byte(`{}`)))
}

func TestBridge_StoppedBridge(t *testing.T) {
	bridge := ws.NewBridge(func(echo.Context) (string, bool) { return "", false }, ws.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, bridge.Disconnect(context.Background(), "s1"), ws.ErrBridgeStopped)
}

func TestMessage_ByteSlicePayload(t *testing.T) {
	data, err := ws.Message{Type: "html", Payload: []byte("<p>hi</p>")}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"html","payload":"<p>hi</p>"}`, string(data))
}
