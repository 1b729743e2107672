package realtime

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
)

// Message is an inbound broadcast delivered on a channel.
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Name resolves the event name used for handler lookup.
func (m Message) Name() string {
	switch {
	case m.Event != "":
		return m.Event
	case m.Type != "":
		return m.Type
	default:
		return EventDefault
	}
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Broadcast is an outbound message handed to a Channel.
type Broadcast struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendResult is the acknowledgement status reported by a transport.
type SendResult string

const (
	SendOK       SendResult = "ok"
	SendTimedOut SendResult = "timed out"
	SendError    SendResult = "error"
)

// Transport creates channels on the underlying realtime connection.
type Transport interface {
	// Channel constructs a channel for topic without joining it.
	Channel(topic string) Channel
	// RemoveChannel releases the resources held for ch after it has been
	// unsubscribed.
	RemoveChannel(ctx context.Context, ch Channel) error
}

// Channel is one named realtime channel.
//
// Implementations deliver broadcasts for a single channel one at a time in
// arrival order and must not invoke the listener from inside OnBroadcast.
type Channel interface {
	Topic() string
	OnBroadcast(fn func(Message))
	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
	Send(ctx context.Context, b Broadcast) (SendResult, error)
}

var (
	// ErrClosed is returned by a Client after Close.
	ErrClosed = errors.New("realtime: client closed")
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("realtime: nil handler")
	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("realtime: handler panic")
)

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
