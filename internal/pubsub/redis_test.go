package pubsub

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec, err := NewCodec("msgpack")
	require.NoError(t, err)
	broker, err := DialRedis(ctx, "redis://"+mr.Addr(), WithRedisCodec(codec), WithRedisPrefix("test:"))
	require.NoError(t, err)
	defer broker.Close()

	got := make(chan Message, 1)
	require.NoError(t, broker.Subscribe(ctx, "user:9", func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	}))

	require.NoError(t, broker.Publish(ctx, Message{Topic: "user:9", Event: "friend_request", Payload: []byte(`{}`)}))

	msg := receive(t, got)
	assert.Equal(t, "user:9", msg.Topic)
	assert.Equal(t, "friend_request", msg.Event)

	require.NoError(t, broker.Close())
	assert.ErrorIs(t, broker.Publish(ctx, Message{Topic: "user:9"}), ErrClosed)
}

func TestDialRedis_BadURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "not-a-url")
	assert.Error(t, err)
}
