package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RequestHandler handles one RPC method for a client. Returning a
// *protocol.RPCError sets the error code of the response; any other error
// is reported as an internal error.
type RequestHandler func(ctx context.Context, client *Client, params json.RawMessage) (interface{}, error)

// PublishRequest is the body accepted by the /publish endpoint.
type PublishRequest struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId,omitempty"`
	Rooms        []string  `json:"rooms"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	State        string    `json:"state"`
}

// ClientState represents the state of a client connection
type ClientState string

const (
	StateConnecting    ClientState = "connecting"
	StateAuthenticated ClientState = "authenticated"
	StateClosed        ClientState = "closed"
)

const writeWait = 10 * time.Second

// Client is one live socket.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	writeMu sync.Mutex

	mu           sync.RWMutex
	userID       string
	state        ClientState
	lastActivity time.Time
	authAttempts int
}

func newClient(id string, conn *websocket.Conn, ip string, limiter *ClientRateLimiter) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    ip,
		RateLimiter:  limiter,
		state:        StateConnecting,
		lastActivity: now,
	}
}

// WriteJSON serializes writes to the socket.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a pre-encoded frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Authenticated reports whether the credential was accepted.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateAuthenticated
}

// State returns the connection state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setAuthenticated(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.state = StateAuthenticated
	c.authAttempts = 0
}

func (c *Client) setClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
}

// failAuth records a rejected credential and returns the attempt count.
func (c *Client) failAuth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authAttempts++
	return c.authAttempts
}

// AuthAttempts returns the number of rejected credentials.
func (c *Client) AuthAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authAttempts
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns when the client last sent a frame.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}
