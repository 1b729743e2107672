package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nfrund/boardboard/internal/realtime"
)

const (
	// metaKeyOrigin identifies the channel that sent a message.
	metaKeyOrigin = "origin"
	// metaKeyType carries the broadcast type.
	metaKeyType = "type"
)

// Transport exposes a broker as a realtime transport. Every channel owns one
// broker subscription while joined. Like hosted broadcast channels, a
// channel does not receive its own sends.
type Transport struct {
	pub    Publisher
	sub    Subscriber
	logger *slog.Logger
}

// NewTransport adapts pub and sub, usually the same Broker.
func NewTransport(pub Publisher, sub Subscriber) *Transport {
	return &Transport{
		pub:    pub,
		sub:    sub,
		logger: slog.Default().With("component", "pubsub_transport"),
	}
}

// Channel implements realtime.Transport.
func (t *Transport) Channel(topic string) realtime.Channel {
	return &brokerChannel{
		id:        uuid.NewString(),
		topic:     topic,
		transport: t,
	}
}

// RemoveChannel implements realtime.Transport. It ends any subscription the
// channel still holds.
func (t *Transport) RemoveChannel(ctx context.Context, ch realtime.Channel) error {
	bc, ok := ch.(*brokerChannel)
	if !ok {
		return fmt.Errorf("pubsub: foreign channel %T", ch)
	}
	bc.stop()
	return nil
}

type brokerChannel struct {
	id        string
	topic     string
	transport *Transport

	mu       sync.Mutex
	listener func(realtime.Message)
	cancel   context.CancelFunc
}

func (c *brokerChannel) Topic() string { return c.topic }

func (c *brokerChannel) OnBroadcast(fn func(realtime.Message)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *brokerChannel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	// The subscription outlives the call that created it.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.transport.sub.Subscribe(subCtx, c.topic, c.deliver); err != nil {
		c.stop()
		return err
	}
	return nil
}

func (c *brokerChannel) deliver(ctx context.Context, msg Message) error {
	if msg.Metadata[metaKeyOrigin] == c.id {
		return nil
	}
	c.mu.Lock()
	fn := c.listener
	active := c.cancel != nil
	c.mu.Unlock()
	if fn == nil || !active {
		return nil
	}
	fn(realtime.Message{
		Topic:   c.topic,
		Type:    msg.Metadata[metaKeyType],
		Event:   msg.Event,
		Payload: msg.Payload,
	})
	return nil
}

func (c *brokerChannel) Unsubscribe(ctx context.Context) error {
	c.stop()
	return nil
}

func (c *brokerChannel) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *brokerChannel) Send(ctx context.Context, b realtime.Broadcast) (realtime.SendResult, error) {
	err := c.transport.pub.Publish(ctx, Message{
		Topic:   c.topic,
		Event:   b.Event,
		Payload: b.Payload,
		Metadata: map[string]string{
			metaKeyOrigin: c.id,
			metaKeyType:   b.Type,
		},
	})
	if err != nil {
		c.transport.logger.Warn("broadcast failed", "topic", c.topic, "event", b.Event, "error", err)
		return realtime.SendError, err
	}
	return realtime.SendOK, nil
}
