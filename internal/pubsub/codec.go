package pubsub

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes messages for brokers that only move bytes.
type Codec interface {
	Name() string
	Marshal(msg Message) ([]byte, error)
	Unmarshal(data []byte) (Message, error)
}

// envelope is the on-the-wire form of a Message.
type envelope struct {
	Topic    string            `json:"topic" msgpack:"t"`
	Event    string            `json:"event" msgpack:"e"`
	Payload  []byte            `json:"payload,omitempty" msgpack:"p,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" msgpack:"m,omitempty"`
}

// NewCodec returns the codec registered under name. An empty name selects
// JSON.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("pubsub: unknown codec %q", name)
	}
}

// JSONCodec encodes envelopes as JSON. Payloads are base64 strings.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(msg Message) ([]byte, error) {
	return json.Marshal(envelope(msg))
}

func (JSONCodec) Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("pubsub: decode json envelope: %w", err)
	}
	return Message(env), nil
}

// MsgpackCodec encodes envelopes with MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(msg Message) ([]byte, error) {
	return msgpack.Marshal(envelope(msg))
}

func (MsgpackCodec) Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("pubsub: decode msgpack envelope: %w", err)
	}
	return Message(env), nil
}
