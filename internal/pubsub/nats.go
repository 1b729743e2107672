package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

const flushTimeout = 5 * time.Second

// NATSBroker publishes messages on core NATS subjects.
type NATSBroker struct {
	conn   *nats.Conn
	codec  Codec
	prefix string
	owned  bool
	logger *slog.Logger
	closed atomic.Bool
}

// NATSOption configures a NATSBroker.
type NATSOption func(*NATSBroker)

// WithNATSCodec sets the envelope codec. JSON is used by default.
func WithNATSCodec(c Codec) NATSOption {
	return func(b *NATSBroker) {
		if c != nil {
			b.codec = c
		}
	}
}

// WithNATSPrefix namespaces every subject.
func WithNATSPrefix(prefix string) NATSOption {
	return func(b *NATSBroker) {
		b.prefix = prefix
	}
}

// NewNATSBroker wraps an existing connection. The caller keeps ownership of
// conn.
func NewNATSBroker(conn *nats.Conn, opts ...NATSOption) *NATSBroker {
	b := &NATSBroker{
		conn:   conn,
		codec:  JSONCodec{},
		prefix: "boardboard.",
		logger: slog.Default().With("component", "pubsub", "broker", "nats"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DialNATS connects to url. The broker drains the connection on Close.
func DialNATS(url string, opts ...NATSOption) (*NATSBroker, error) {
	conn, err := nats.Connect(url,
		nats.Name("boardboard"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect nats: %w", err)
	}
	b := NewNATSBroker(conn, opts...)
	b.owned = true
	return b, nil
}

func (b *NATSBroker) subject(topic string) string {
	return b.prefix + topic
}

// flush waits for the server to process everything sent so far. NATS needs
// a deadline on ctx.
func (b *NATSBroker) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return b.conn.FlushWithContext(ctx)
}

// Publish implements the Publisher interface. The message is flushed before
// returning so a failed connection surfaces as an error.
func (b *NATSBroker) Publish(ctx context.Context, msg Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if msg.Topic == "" {
		return ErrEmptyTopic
	}
	data, err := b.codec.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject(msg.Topic), data); err != nil {
		return fmt.Errorf("pubsub: nats publish %q: %w", msg.Topic, err)
	}
	if err := b.flush(ctx); err != nil {
		return fmt.Errorf("pubsub: nats flush %q: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe implements the Subscriber interface. NATS invokes the callback
// for one subscription serially.
func (b *NATSBroker) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if topic == "" {
		return ErrEmptyTopic
	}

	sub, err := b.conn.Subscribe(b.subject(topic), func(m *nats.Msg) {
		msg, err := b.codec.Unmarshal(m.Data)
		if err != nil {
			b.logger.Warn("Dropping undecodable message", "topic", topic, "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			b.logger.Error("Failed to handle message", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("pubsub: nats subscribe %q: %w", topic, err)
	}
	if err := b.flush(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("pubsub: nats subscribe %q: %w", topic, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && b.conn.IsConnected() {
			b.logger.Warn("Failed to unsubscribe", "topic", topic, "error", err)
		}
		b.logger.Debug("Subscription message loop ended", "topic", topic)
	}()
	return nil
}

// Close drains the connection when the broker dialed it.
func (b *NATSBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.owned {
		return b.conn.Drain()
	}
	return nil
}
