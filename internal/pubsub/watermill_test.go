package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestWatermillBridge_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge := NewWatermillBridge()
	defer bridge.Close()

	got := make(chan Message, 4)
	require.NoError(t, bridge.Subscribe(ctx, "user:1", func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	}))

	sent := Message{
		Topic:    "user:1",
		Event:    "friend_accepted",
		Payload:  []byte(`{"from":"2"}`),
		Metadata: map[string]string{"origin": "abc"},
	}
	require.NoError(t, bridge.Publish(ctx, sent))

	if diff := cmp.Diff(sent, receive(t, got)); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestWatermillBridge_HandlerErrorDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge := NewWatermillBridge()
	defer bridge.Close()

	got := make(chan Message, 4)
	require.NoError(t, bridge.Subscribe(ctx, "t", func(ctx context.Context, msg Message) error {
		got <- msg
		return errors.New("failed")
	}))

	require.NoError(t, bridge.Publish(ctx, Message{Topic: "t", Event: "a"}))
	assert.Equal(t, "a", receive(t, got).Event)
	require.NoError(t, bridge.Publish(ctx, Message{Topic: "t", Event: "b"}))
	assert.Equal(t, "b", receive(t, got).Event)
}

func TestWatermillBridge_EmptyTopic(t *testing.T) {
	bridge := NewWatermillBridge()
	defer bridge.Close()

	ctx := context.Background()
	assert.ErrorIs(t, bridge.Publish(ctx, Message{}), ErrEmptyTopic)
	assert.ErrorIs(t, bridge.Subscribe(ctx, "", func(context.Context, Message) error { return nil }), ErrEmptyTopic)
}
