package connection

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tether/pkg/protocol"
)

// fakeServer speaks just enough of the server protocol to drive a Manager.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	refuse    atomic.Bool
	dropPongs atomic.Bool
	accepted  atomic.Int32

	mu         sync.Mutex
	conns      []*fakeConn
	announced  []protocol.AuthenticatedParams
	resumes    []protocol.ReconnectRequest
	resumeResp protocol.ReconnectResponse
	// beforeResume is pushed right before the reconnect response.
	beforeResume *protocol.Event
	rooms        []string
}

type fakeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *fakeConn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(func() {
		fs.closeAll()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if fs.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n := fs.accepted.Add(1)
	conn := &fakeConn{ws: ws}

	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	connID := fmt.Sprintf("conn-%d", n)
	for {
		var req protocol.Request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		fs.answer(conn, connID, req)
	}
}

func (fs *fakeServer) answer(conn *fakeConn, connID string, req protocol.Request) {
	var result interface{}

	switch req.Method {
	case protocol.MethodAuthenticate:
		var params protocol.AuthenticateParams
		_ = json.Unmarshal(req.Params, &params)
		if params.Credential != "good" {
			_ = conn.send(protocol.NewError(req.ID, protocol.InvalidCredential, "invalid credential"))
			return
		}
		result = protocol.AuthenticateResult{UserID: "user-1", ConnectionID: connID, ServerTime: time.Now().UnixMilli()}

	case protocol.MethodAuthenticated:
		var params protocol.AuthenticatedParams
		_ = json.Unmarshal(req.Params, &params)
		fs.mu.Lock()
		fs.announced = append(fs.announced, params)
		fs.mu.Unlock()
		result = map[string]bool{"ok": true}

	case protocol.MethodReconnect:
		var params protocol.ReconnectRequest
		_ = json.Unmarshal(req.Params, &params)
		fs.mu.Lock()
		fs.resumes = append(fs.resumes, params)
		resp, early := fs.resumeResp, fs.beforeResume
		fs.mu.Unlock()
		if early != nil {
			_ = conn.send(early)
		}
		result = resp

	case protocol.MethodPing:
		if fs.dropPongs.Load() {
			return
		}
		var ping protocol.Ping
		_ = json.Unmarshal(req.Params, &ping)
		result = protocol.Pong{Timestamp: ping.Timestamp, ServerTime: time.Now().UnixMilli()}

	case protocol.MethodRoomJoin:
		var params protocol.RoomParams
		_ = json.Unmarshal(req.Params, &params)
		fs.mu.Lock()
		fs.rooms = append(fs.rooms, params.RoomID)
		rooms := append([]string(nil), fs.rooms...)
		fs.mu.Unlock()
		result = protocol.RoomResult{Rooms: rooms}

	case protocol.MethodMissedMessages:
		result = protocol.MissedMessagesResponse{Success: true, Messages: []protocol.HistoryEntry{
			{RoomID: "r1", EventName: "note", Timestamp: 5},
		}}

	default:
		_ = conn.send(protocol.NewError(req.ID, protocol.MethodNotFound, "method not found"))
		return
	}

	resp, _ := protocol.NewResult(req.ID, result)
	_ = conn.send(resp)
}

func (fs *fakeServer) latest() *fakeConn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

// push sends a room event on the newest connection.
func (fs *fakeServer) push(room, event string, ts int64) {
	if conn := fs.latest(); conn != nil {
		_ = conn.send(protocol.Event{Type: "event", Event: event, Room: room, Timestamp: ts})
	}
}

// kick sends a disconnect event with reason and closes the newest connection.
func (fs *fakeServer) kick(reason string) {
	conn := fs.latest()
	if conn == nil {
		return
	}
	data, _ := json.Marshal(protocol.DisconnectNotice{Reason: reason})
	_ = conn.send(protocol.Event{Type: "event", Event: protocol.EventDisconnect, Data: data, Timestamp: time.Now().UnixMilli()})
	_ = conn.ws.Close()
}

// drop closes the newest connection without notice.
func (fs *fakeServer) drop() {
	if conn := fs.latest(); conn != nil {
		_ = conn.ws.Close()
	}
}

func (fs *fakeServer) closeAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, conn := range fs.conns {
		_ = conn.ws.Close()
	}
}

func (fs *fakeServer) resumeRequests() []protocol.ReconnectRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]protocol.ReconnectRequest(nil), fs.resumes...)
}
