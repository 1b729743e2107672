package phoenix

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/nfrund/boardboard/internal/realtime"
)

const inboxSize = 256

// ErrChannelReleased is returned when a removed channel is used again.
var ErrChannelReleased = errors.New("phoenix: channel released")

type channelState int

const (
	stateClosed channelState = iota
	stateJoining
	stateJoined
	stateReleased
)

// Channel is one topic on a Socket. Inbound broadcasts are queued and
// handed to the listener by a single goroutine in arrival order.
type Channel struct {
	socket *Socket
	topic  string

	mu       sync.Mutex
	state    channelState
	listener func(realtime.Message)

	inbox       chan realtime.Message
	done        chan struct{}
	startOnce   sync.Once
	releaseOnce sync.Once
}

func newChannel(s *Socket, topic string) *Channel {
	return &Channel{
		socket: s,
		topic:  topic,
		inbox:  make(chan realtime.Message, inboxSize),
		done:   make(chan struct{}),
	}
}

func (c *Channel) wireTopic() string {
	return wireTopicPrefix + c.topic
}

// Topic implements realtime.Channel.
func (c *Channel) Topic() string {
	return c.topic
}

// OnBroadcast implements realtime.Channel.
func (c *Channel) OnBroadcast(fn func(realtime.Message)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
	c.startOnce.Do(func() {
		go c.deliverLoop()
	})
}

func (c *Channel) deliverLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.inbox:
			c.mu.Lock()
			fn := c.listener
			c.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		}
	}
}

func (c *Channel) enqueue(msg realtime.Message) {
	if !c.isJoined() {
		return
	}
	select {
	case c.inbox <- msg:
	default:
		c.socket.logger.Warn("inbox full, dropping broadcast", "topic", c.topic, "event", msg.Event)
	}
}

func (c *Channel) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateJoined
}

func (c *Channel) wantsJoin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateJoining || c.state == stateJoined
}

// Subscribe implements realtime.Channel. While the socket is down the
// channel is remembered and joined as soon as the connection is up.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateJoining, stateJoined:
		c.mu.Unlock()
		return nil
	case stateReleased:
		c.mu.Unlock()
		return ErrChannelReleased
	}
	c.state = stateJoining
	c.mu.Unlock()

	c.socket.track(c)
	if !c.socket.Connected() {
		c.socket.logger.Debug("socket down, join deferred", "topic", c.topic)
		return nil
	}
	return c.join(ctx, false)
}

// join pushes phx_join. A failed first join closes the channel so the
// caller can retry; a failed rejoin keeps it pending for the next
// connection.
func (c *Channel) join(ctx context.Context, rejoin bool) error {
	payload := newJoinPayload(c.socket.accessToken(), c.socket.cfg.Private)
	r, err := c.socket.push(ctx, c.wireTopic(), eventJoin, payload)
	if err == nil && r.Status != statusOK {
		err = &ReplyError{Event: eventJoin, Status: r.Status, Response: r.Response}
	}

	c.mu.Lock()
	if c.state != stateJoining && c.state != stateJoined {
		// Left while the join was in flight.
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		if !rejoin {
			c.state = stateClosed
		}
		c.mu.Unlock()
		if !rejoin {
			c.socket.untrack(c)
		}
		return fmt.Errorf("phoenix: join %q: %w", c.topic, err)
	}
	c.state = stateJoined
	c.mu.Unlock()
	c.socket.logger.Debug("channel joined", "topic", c.topic)
	return nil
}

// serverClosed handles phx_error and phx_close pushed by the server, for
// example when the access token expired or the channel process crashed. A
// channel that is still wanted stays tracked and is rejoined with backoff
// until a join succeeds, the caller leaves or the socket is closed.
func (c *Channel) serverClosed() {
	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return
	}
	c.state = stateJoining
	c.mu.Unlock()

	c.socket.wg.Add(1)
	go func() {
		defer c.socket.wg.Done()
		c.rejoinLoop()
	}()
}

func (c *Channel) rejoinLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.socket.cfg.ReconnectInterval
	bo.MaxInterval = c.socket.cfg.MaxReconnectInterval
	for {
		if !c.socket.sleep(bo) {
			return
		}
		if c.isJoined() || !c.wantsJoin() {
			return
		}
		if !c.socket.Connected() {
			// rejoinAll picks the channel up on the next connection.
			return
		}
		err := c.join(c.socket.ctx, true)
		if err == nil {
			return
		}
		c.socket.logger.Warn("rejoin after server close failed", "topic", c.topic, "error", err)
	}
}

// Unsubscribe implements realtime.Channel.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	if prev == stateClosed || prev == stateReleased {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	c.mu.Unlock()
	c.socket.untrack(c)

	r, err := c.socket.push(ctx, c.wireTopic(), eventLeave, struct{}{})
	switch {
	case errors.Is(err, ErrNotConnected):
		return nil
	case err != nil:
		return fmt.Errorf("phoenix: leave %q: %w", c.topic, err)
	case r.Status != statusOK:
		return &ReplyError{Event: eventLeave, Status: r.Status, Response: r.Response}
	}
	return nil
}

// Send implements realtime.Channel. Joined channels push over the socket
// and wait for the server's ack; others use the REST endpoint.
func (c *Channel) Send(ctx context.Context, b realtime.Broadcast) (realtime.SendResult, error) {
	if err := c.socket.limiter.Wait(ctx); err != nil {
		return realtime.SendError, fmt.Errorf("phoenix: rate limit: %w", err)
	}
	if b.Type == "" {
		b.Type = realtime.TypeBroadcast
	}
	payload := broadcastPayload{Type: b.Type, Event: b.Event, Payload: b.Payload}

	if !c.isJoined() || !c.socket.Connected() {
		return c.socket.broadcastHTTP(ctx, c.topic, payload)
	}

	r, err := c.socket.push(ctx, c.wireTopic(), eventBroadcast, payload)
	switch {
	case errors.Is(err, ErrPushTimeout):
		return realtime.SendTimedOut, err
	case err != nil:
		return realtime.SendError, err
	case r.Status != statusOK:
		return realtime.SendError, &ReplyError{Event: eventBroadcast, Status: r.Status, Response: r.Response}
	}
	return realtime.SendOK, nil
}

func (c *Channel) release() {
	c.mu.Lock()
	c.state = stateReleased
	c.mu.Unlock()
	c.releaseOnce.Do(func() {
		close(c.done)
	})
}
