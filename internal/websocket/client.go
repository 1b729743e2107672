package websocket

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// Client is one browser connection. A session may hold several.
type Client struct {
	// SessionID addresses the client for direct sends.
	SessionID string

	conn   *websocket.Conn
	send   chan []byte
	bridge *Bridge
	logger *slog.Logger
}

// readPump forwards inbound frames to the bridge until the connection ends.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.bridge.unregisterClient(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "client disconnected")
	}()

	c.conn.SetReadLimit(readLimit)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.logger.Debug("websocket closed by client")
			case errors.Is(err, context.Canceled):
			default:
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.enqueue(newErrorMessage("invalid message"))
			continue
		}
		c.bridge.handleInbound(ctx, c, in)
	}
}

// writePump drains the send buffer to the connection. It returns when the
// bridge closes the buffer or a write fails.
func (c *Client) writePump() {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			c.logger.Warn("websocket write error", "error", err)
			_ = c.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "server closing")
}

// enqueue hands msg to the bridge loop for this client only.
func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode websocket message", "type", msg.Type, "error", err)
		return
	}
	c.bridge.deliver(c, data)
}
