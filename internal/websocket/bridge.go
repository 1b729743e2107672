// Package websocket pushes notifications to browsers over a websocket
// per browser tab, addressed by session id.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/boardboard/internal/notifications"
)

// ErrBridgeStopped is returned when sending after Run has returned.
var ErrBridgeStopped = errors.New("websocket: bridge stopped")

// SessionResolver returns the session id of an authenticated request.
type SessionResolver func(c echo.Context) (sessionID string, ok bool)

// InboundHandler processes a whitelisted action sent by a browser.
type InboundHandler func(ctx context.Context, sessionID string, in Inbound) error

// Options configures a Bridge.
type Options struct {
	Whitelist *Whitelist
	Inbound   InboundHandler
	// OriginPatterns lists allowed cross-origin hosts. Same-origin requests
	// are always accepted.
	OriginPatterns []string
	Logger         *slog.Logger
}

type directMessage struct {
	sessionID string
	// client restricts delivery to one connection when set.
	client  *Client
	payload []byte
}

// Bridge tracks browser connections and routes outbound messages to them.
// All mutations of the client set and every send-buffer write happen on
// the Run goroutine.
type Bridge struct {
	resolve   SessionResolver
	inbound   InboundHandler
	whitelist *Whitelist
	origins   []string
	logger    *slog.Logger

	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
	broadcast  chan []byte
	disconnect chan string
	done       chan struct{}
	runOnce    sync.Once

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewBridge creates a Bridge. Call Run before serving Handler.
func NewBridge(resolve SessionResolver, opts Options) *Bridge {
	if opts.Whitelist == nil {
		opts.Whitelist = DefaultWhitelist()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{
		resolve:    resolve,
		inbound:    opts.Inbound,
		whitelist:  opts.Whitelist,
		origins:    opts.OriginPatterns,
		logger:     opts.Logger.With("component", "websocket_bridge"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directMessage, 64),
		broadcast:  make(chan []byte, 16),
		disconnect: make(chan string),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]struct{}),
	}
}

// Run routes messages until ctx ends, then closes every connection.
func (b *Bridge) Run(ctx context.Context) {
	b.runOnce.Do(func() { b.run(ctx) })
}

func (b *Bridge) run(ctx context.Context) {
	b.logger.Info("websocket bridge started")
	defer func() {
		b.mu.Lock()
		for id, set := range b.clients {
			for c := range set {
				close(c.send)
			}
			delete(b.clients, id)
		}
		b.mu.Unlock()
		close(b.done)
		b.logger.Info("websocket bridge stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-b.register:
			b.mu.Lock()
			set, ok := b.clients[c.SessionID]
			if !ok {
				set = make(map[*Client]struct{})
				b.clients[c.SessionID] = set
			}
			set[c] = struct{}{}
			b.mu.Unlock()
			c.logger.Debug("websocket client registered")

		case c := <-b.unregister:
			b.mu.Lock()
			b.removeLocked(c)
			b.mu.Unlock()

		case id := <-b.disconnect:
			b.mu.Lock()
			for c := range b.clients[id] {
				b.removeLocked(c)
			}
			b.mu.Unlock()

		case msg := <-b.direct:
			b.mu.RLock()
			for c := range b.clients[msg.sessionID] {
				if msg.client != nil && msg.client != c {
					continue
				}
				b.trySend(c, msg.payload)
			}
			b.mu.RUnlock()

		case payload := <-b.broadcast:
			b.mu.RLock()
			for _, set := range b.clients {
				for c := range set {
					b.trySend(c, payload)
				}
			}
			b.mu.RUnlock()
		}
	}
}

// removeLocked forgets c and closes its send buffer. b.mu must be held.
func (b *Bridge) removeLocked(c *Client) {
	set, ok := b.clients[c.SessionID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(b.clients, c.SessionID)
	}
	close(c.send)
	c.logger.Debug("websocket client unregistered")
}

func (b *Bridge) trySend(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}

// Handler upgrades the request to a websocket for the caller's session.
func (b *Bridge) Handler() echo.HandlerFunc {
	return func(ec echo.Context) error {
		sessionID, ok := b.resolve(ec)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
		}

		conn, err := websocket.Accept(ec.Response(), ec.Request(), &websocket.AcceptOptions{
			OriginPatterns: b.origins,
		})
		if err != nil {
			b.logger.Warn("websocket upgrade failed", "error", err)
			return nil
		}

		c := &Client{
			SessionID: sessionID,
			conn:      conn,
			send:      make(chan []byte, sendBuffer),
			bridge:    b,
			logger:    b.logger.With("session_id", sessionID),
		}
		ctx := ec.Request().Context()
		select {
		case b.register <- c:
		case <-b.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return nil
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "")
			return nil
		}

		go c.writePump()
		c.readPump(ctx)
		return nil
	}
}

func (b *Bridge) unregisterClient(c *Client) {
	select {
	case b.unregister <- c:
	case <-b.done:
	}
}

func (b *Bridge) deliver(c *Client, payload []byte) {
	select {
	case b.direct <- directMessage{sessionID: c.SessionID, client: c, payload: payload}:
	case <-b.done:
	}
}

func (b *Bridge) handleInbound(ctx context.Context, c *Client, in Inbound) {
	if !b.whitelist.IsAllowed(in.Action) {
		c.enqueue(newErrorMessage("action not allowed: " + in.Action))
		return
	}
	if in.Action == ActionPing {
		c.enqueue(Message{Type: TypePong})
		return
	}
	if b.inbound == nil {
		return
	}
	if err := b.inbound(ctx, c.SessionID, in); err != nil {
		c.logger.Warn("inbound action failed", "action", in.Action, "error", err)
		c.enqueue(newErrorMessage(err.Error()))
	}
}

// SendDirect queues payload for every connection of sessionID. Sessions
// without connections drop the message.
func (b *Bridge) SendDirect(ctx context.Context, sessionID string, payload []byte) error {
	select {
	case b.direct <- directMessage{sessionID: sessionID, payload: payload}:
		return nil
	case <-b.done:
		return ErrBridgeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast queues payload for every connection.
func (b *Bridge) Broadcast(ctx context.Context, payload []byte) error {
	select {
	case b.broadcast <- payload:
		return nil
	case <-b.done:
		return ErrBridgeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send encodes msg and sends it to sessionID.
func (b *Bridge) Send(ctx context.Context, sessionID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.SendDirect(ctx, sessionID, data)
}

// Notify implements notifications.Sink.
func (b *Bridge) Notify(ctx context.Context, sessionID string, t notifications.Toast) error {
	return b.Send(ctx, sessionID, NewToastMessage(t))
}

// Disconnect closes every connection of sessionID.
func (b *Bridge) Disconnect(ctx context.Context, sessionID string) error {
	select {
	case b.disconnect <- sessionID:
		return nil
	case <-b.done:
		return ErrBridgeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected returns the number of open connections for sessionID.
func (b *Bridge) Connected(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[sessionID])
}
