package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisBroker fans messages out across instances with Redis PUBLISH and
// SUBSCRIBE.
type RedisBroker struct {
	client *redis.Client
	codec  Codec
	prefix string
	owned  bool
	logger *slog.Logger
	closed atomic.Bool
}

// RedisOption configures a RedisBroker.
type RedisOption func(*RedisBroker)

// WithRedisCodec sets the envelope codec. JSON is used by default.
func WithRedisCodec(c Codec) RedisOption {
	return func(b *RedisBroker) {
		if c != nil {
			b.codec = c
		}
	}
}

// WithRedisPrefix namespaces every Redis channel.
func WithRedisPrefix(prefix string) RedisOption {
	return func(b *RedisBroker) {
		b.prefix = prefix
	}
}

// NewRedisBroker wraps an existing client. The caller keeps ownership of
// client.
func NewRedisBroker(client *redis.Client, opts ...RedisOption) *RedisBroker {
	b := &RedisBroker{
		client: client,
		codec:  JSONCodec{},
		prefix: "boardboard:",
		logger: slog.Default().With("component", "pubsub", "broker", "redis"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DialRedis connects to the server at url (redis://...) and checks it
// answers. The broker closes the client on Close.
func DialRedis(ctx context.Context, url string, opts ...RedisOption) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("pubsub: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub: ping redis: %w", err)
	}
	b := NewRedisBroker(client, opts...)
	b.owned = true
	return b, nil
}

func (b *RedisBroker) channel(topic string) string {
	return b.prefix + topic
}

// Publish implements the Publisher interface.
func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
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
	if err := b.client.Publish(ctx, b.channel(msg.Topic), data).Err(); err != nil {
		return fmt.Errorf("pubsub: redis publish %q: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe implements the Subscriber interface. It waits for Redis to
// confirm the subscription before returning.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if topic == "" {
		return ErrEmptyTopic
	}

	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("pubsub: redis subscribe %q: %w", topic, err)
	}

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				b.logger.Debug("Subscription message loop ended", "topic", topic)
				return
			case rm, ok := <-ch:
				if !ok {
					return
				}
				msg, err := b.codec.Unmarshal([]byte(rm.Payload))
				if err != nil {
					b.logger.Warn("Dropping undecodable message", "topic", topic, "error", err)
					continue
				}
				if err := handler(ctx, msg); err != nil {
					b.logger.Error("Failed to handle message", "topic", topic, "error", err)
				}
			}
		}
	}()
	return nil
}

// Close releases the client when the broker dialed it.
func (b *RedisBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}
