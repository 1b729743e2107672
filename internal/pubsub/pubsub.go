package pubsub

import (
	"context"
	"errors"
)

// Message is the envelope carried by every broker.
type Message struct {
	// Topic is the realtime topic the message was broadcast on (e.g. "user:42").
	Topic string
	// Event names the broadcast (e.g. "friend_request").
	Event string
	// Payload is the JSON encoded broadcast body.
	Payload []byte
	// Metadata carries transport bookkeeping such as the sending channel.
	Metadata map[string]string
}

// Handler defines the function signature for processing a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber receives messages from a broker.
type Subscriber interface {
	// Subscribe starts listening to topic and returns once the subscription
	// is active. Messages are handled on a background goroutine, one at a
	// time, until ctx is canceled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Broker is a Publisher and Subscriber sharing one connection.
type Broker interface {
	Publisher
	Subscriber
}

var (
	// ErrClosed is returned when a broker is used after Close.
	ErrClosed = errors.New("pubsub: broker closed")
	// ErrEmptyTopic is returned when publishing or subscribing without a topic.
	ErrEmptyTopic = errors.New("pubsub: empty topic")
)
