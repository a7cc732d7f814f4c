package connection

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tether/pkg/protocol"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// rpcConn multiplexes JSON-RPC calls and server events over one socket.
// Events are held back while holding is set so a resume replay can be
// applied before live traffic.
type rpcConn struct {
	ws      *websocket.Conn
	logger  zerolog.Logger
	onEvent func(protocol.Event)

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	holding bool
	held    []protocol.Event
	reason  string

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newRPCConn(ws *websocket.Conn, logger zerolog.Logger, onEvent func(protocol.Event)) *rpcConn {
	c := &rpcConn{
		ws:      ws,
		logger:  logger,
		onEvent: onEvent,
		pending: make(map[string]chan *protocol.Response),
		holding: true,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *rpcConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		if frame.IsEvent() {
			var event protocol.Event
			if err := json.Unmarshal(data, &event); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping malformed event")
				continue
			}
			if event.Event == protocol.EventDisconnect {
				var notice protocol.DisconnectNotice
				_ = json.Unmarshal(event.Data, &notice)
				c.mu.Lock()
				c.reason = notice.Reason
				c.mu.Unlock()
			}
			c.dispatch(event)
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed response")
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("id", resp.ID).Msg("Response for unknown request")
			continue
		}
		ch <- &resp
	}
}

func (c *rpcConn) dispatch(event protocol.Event) {
	c.mu.Lock()
	if c.holding {
		c.held = append(c.held, event)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.onEvent(event)
}

// release delivers held events in arrival order and stops holding.
func (c *rpcConn) release() {
	for {
		c.mu.Lock()
		batch := c.held
		c.held = nil
		if len(batch) == 0 {
			c.holding = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		for _, event := range batch {
			c.onEvent(event)
		}
	}
}

// Call sends method and waits for its response. A JSON-RPC error is
// returned as *protocol.RPCError.
func (c *rpcConn) Call(ctx context.Context, method string, params, result interface{}) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	}
}

func (c *rpcConn) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(v); err != nil {
		return errors.Join(ErrConnectionClosed, err)
	}
	return nil
}

// Close sends a normal close frame and tears the socket down.
func (c *rpcConn) Close() {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	c.fail(ErrConnectionClosed)
}

func (c *rpcConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

// Done is closed once the socket is gone.
func (c *rpcConn) Done() <-chan struct{} {
	return c.done
}

// disconnectReason returns the reason of a server disconnect event, if any.
func (c *rpcConn) disconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
