package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBufferSize = 256
)

// Close codes sent to clients the server disconnects on purpose.
const (
	closeAccessDenied = 4003
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	// The websocket connection. Nil in tests that only exercise the hub.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Closed by the hub on unregister.
	send chan []byte

	id     string
	userID string

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, id, userID string) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		id:     id,
		userID: userID,
	}
}

// close tears down the transport. The read pump notices and runs the
// disconnect sequence.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// closeWith sends a close frame with code and reason before closing.
func (c *Client) closeWith(code int, reason string) {
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.close()
}

// readPump pumps events from the websocket connection to the gateway.
//
// The gateway runs readPump in a per-connection goroutine. Events of one
// connection are therefore handled one at a time, in arrival order.
func (c *Client) readPump(g *Gateway) {
	defer func() {
		g.disconnect(c)
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.log.Warn("read failed", "conn_id", c.id, "user_id", c.userID, "error", err)
			}
			return
		}

		ev, err := parseEvent(raw)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				g.hub.EmitTo(c.id, encodeFrame(outValidationError, validationErrorPayload{
					Event: verr.Event,
					Error: verr.Err.Error(),
				}))
			}
			g.log.Debug("rejected event", "conn_id", c.id, "error", err)
			continue
		}
		g.dispatch(context.Background(), c, ev)
	}
}

// writePump pumps messages from the hub to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump(log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug("write failed", "conn_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
