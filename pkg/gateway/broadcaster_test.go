package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tether/pkg/history"
	"github.com/harun/tether/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authenticatedClient(t *testing.T, id string) (*Client, *websocket.Conn, func()) {
	t.Helper()
	serverConn, clientConn, cleanup := websocketConnPair(t)
	client := newClient(id, serverConn, "127.0.0.1", NewClientRateLimiter(0))
	client.setAuthenticated("user-" + id)
	return client, clientConn, cleanup
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	var ev protocol.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEventBroadcaster_PublishRecordsThenDelivers(t *testing.T) {
	member, memberConn, cleanup := authenticatedClient(t, "a")
	defer cleanup()
	outsider, outsiderConn, cleanup2 := authenticatedClient(t, "b")
	defer cleanup2()

	registry := NewClientRegistry()
	registry.Add(member)
	registry.Add(outsider)
	registry.JoinRoom(member.ID, "project-42")

	buffer := history.New(history.Config{Logger: zerolog.Nop()})
	broadcaster := NewEventBroadcaster(registry, buffer, zerolog.Nop())

	first, err := broadcaster.Publish("project-42", "task.created", json.RawMessage(`{"id":1}`))
	require.NoError(t, err)
	_, err = broadcaster.Publish("project-42", "task.updated", json.RawMessage(`{"id":1}`))
	require.NoError(t, err)

	one := readEvent(t, memberConn)
	two := readEvent(t, memberConn)

	assert.Equal(t, "event", one.Type)
	assert.Equal(t, "task.created", one.Event)
	assert.Equal(t, "project-42", one.Room)
	assert.Equal(t, first.Timestamp, one.Timestamp)
	assert.JSONEq(t, `{"id":1}`, string(one.Data))
	assert.Greater(t, two.Seq, one.Seq)

	assert.Equal(t, 2, buffer.Len("project-42"))

	require.NoError(t, outsiderConn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err = outsiderConn.ReadMessage()
	assert.Error(t, err, "non-members receive nothing")
}

func TestEventBroadcaster_PublishWithoutMembersStillRecords(t *testing.T) {
	buffer := history.New(history.Config{Logger: zerolog.Nop()})
	broadcaster := NewEventBroadcaster(NewClientRegistry(), buffer, zerolog.Nop())

	_, err := broadcaster.Publish("empty", "e", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, buffer.Len("empty"))

	_, err = broadcaster.Publish("", "e", nil)
	assert.Error(t, err)
}

func TestEventBroadcaster_BroadcastSkipsUnauthenticated(t *testing.T) {
	authed, authedConn, cleanup := authenticatedClient(t, "a")
	defer cleanup()
	serverConn, pendingConn, cleanup2 := websocketConnPair(t)
	defer cleanup2()
	pending := newClient("b", serverConn, "127.0.0.1", NewClientRateLimiter(0))

	registry := NewClientRegistry()
	registry.Add(authed)
	registry.Add(pending)

	broadcaster := NewEventBroadcaster(registry, history.New(history.Config{Logger: zerolog.Nop()}), zerolog.Nop())
	broadcaster.Broadcast(protocol.EventDisconnect, protocol.DisconnectNotice{Reason: protocol.ReasonServerShutdown})

	ev := readEvent(t, authedConn)
	assert.Equal(t, protocol.EventDisconnect, ev.Event)
	assert.Empty(t, ev.Room)
	assert.JSONEq(t, `{"reason":"server shutdown"}`, string(ev.Data))

	require.NoError(t, pendingConn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := pendingConn.ReadMessage()
	assert.Error(t, err)
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
