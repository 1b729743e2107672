package realtime_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/boardboard/internal/realtime"
)

func counter(name string, n *atomic.Int32) *realtime.Handler {
	return realtime.NewHandler(name, func(ctx context.Context, msg realtime.Message) error {
		n.Add(1)
		return nil
	})
}

func TestSubscribe_Idempotent(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()

	require.NoError(t, client.Subscribe(ctx, "board:1"))
	require.NoError(t, client.Subscribe(ctx, "board:1"))

	assert.Equal(t, 1, ft.Count("create board:1"))
	assert.Equal(t, 1, ft.Count("subscribe board:1"))
	assert.Equal(t, 1, ft.Latest("board:1").Listeners())
	assert.True(t, client.IsSubscribed("board:1"))
}

func TestSubscribe_RetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()

	boom := errors.New("network down")
	ft.SetSubscribeErr(boom)
	err := client.Subscribe(ctx, "board:1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, client.IsSubscribed("board:1"), "record stays tracked after a failed join")

	ft.SetSubscribeErr(nil)
	require.NoError(t, client.Subscribe(ctx, "board:1"))
	require.NoError(t, client.Subscribe(ctx, "board:1"))

	assert.Equal(t, 2, ft.Count("subscribe board:1"))
	assert.Equal(t, 1, ft.Latest("board:1").Listeners(), "listener must not be attached twice")
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("removes record and releases channel", func(t *testing.T) {
		client, ft := newTestClient()
		require.NoError(t, client.Subscribe(ctx, "board:1"))

		require.NoError(t, client.Unsubscribe(ctx, "board:1"))

		assert.False(t, client.IsSubscribed("board:1"))
		want := []string{"create board:1", "subscribe board:1", "unsubscribe board:1", "remove board:1"}
		if diff := cmp.Diff(want, ft.Calls()); diff != "" {
			t.Errorf("transport calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("failed leave still removes record and channel", func(t *testing.T) {
		client, ft := newTestClient()
		require.NoError(t, client.Subscribe(ctx, "board:1"))
		leaveErr := errors.New("leave timed out")
		removeErr := errors.New("socket gone")
		ft.SetUnsubscribeErr(leaveErr)
		ft.SetRemoveErr(removeErr)

		err := client.Unsubscribe(ctx, "board:1")
		require.Error(t, err)
		assert.ErrorIs(t, err, leaveErr)
		assert.ErrorIs(t, err, removeErr)
		assert.False(t, client.IsSubscribed("board:1"))
		assert.Equal(t, 1, ft.Count("remove board:1"), "channel is released even when the leave fails")

		ft.SetUnsubscribeErr(nil)
		ft.SetRemoveErr(nil)
		require.NoError(t, client.Subscribe(ctx, "board:1"))
		assert.Equal(t, 2, ft.Count("create board:1"), "a fresh channel is created on the next subscribe")
	})

	t.Run("failed leave alone is reported", func(t *testing.T) {
		client, ft := newTestClient()
		require.NoError(t, client.Subscribe(ctx, "board:1"))
		leaveErr := errors.New("leave timed out")
		ft.SetUnsubscribeErr(leaveErr)

		err := client.Unsubscribe(ctx, "board:1")
		assert.ErrorIs(t, err, leaveErr)
		assert.False(t, client.IsSubscribed("board:1"))
		assert.Equal(t, 1, ft.Count("remove board:1"))
	})

	t.Run("unknown topic is a no-op", func(t *testing.T) {
		client, ft := newTestClient()
		require.NoError(t, client.Unsubscribe(ctx, "nope"))
		assert.Empty(t, ft.Calls())
	})

	t.Run("late messages are dropped", func(t *testing.T) {
		client, ft := newTestClient()
		var n atomic.Int32
		require.NoError(t, client.On(ctx, "board:1", "moved", counter("h", &n)))
		ch := ft.Latest("board:1")

		require.NoError(t, client.Unsubscribe(ctx, "board:1"))
		ch.Deliver(realtime.Message{Event: "moved"})

		assert.Zero(t, n.Load())
	})
}

func TestOn_HandlerSetSemantics(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()

	var n atomic.Int32
	h := counter("h", &n)
	require.NoError(t, client.On(ctx, "board:1", "moved", h))
	require.NoError(t, client.On(ctx, "board:1", "moved", h))

	ft.Latest("board:1").Deliver(realtime.Message{Event: "moved"})

	assert.Equal(t, int32(1), n.Load(), "same handler registered twice runs once")
	assert.Equal(t, 1, ft.Count("subscribe board:1"))
}

func TestOn_NilHandler(t *testing.T) {
	client, ft := newTestClient()
	err := client.On(context.Background(), "board:1", "moved", nil)
	assert.ErrorIs(t, err, realtime.ErrNilHandler)
	assert.False(t, client.IsSubscribed("board:1"))
	assert.Empty(t, ft.Calls())
}

func TestDispatch_HandlerIsolation(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()

	var ran atomic.Int32
	failing := realtime.NewHandler("failing", func(ctx context.Context, msg realtime.Message) error {
		ran.Add(1)
		return errors.New("handler failed")
	})
	panicking := realtime.NewHandler("panicking", func(ctx context.Context, msg realtime.Message) error {
		ran.Add(1)
		panic("boom")
	})
	var ok atomic.Int32
	require.NoError(t, client.On(ctx, "board:1", "moved", failing))
	require.NoError(t, client.On(ctx, "board:1", "moved", panicking))
	require.NoError(t, client.On(ctx, "board:1", "moved", counter("ok", &ok)))

	assert.NotPanics(t, func() {
		ft.Latest("board:1").Deliver(realtime.Message{Event: "moved"})
	})
	assert.Equal(t, int32(2), ran.Load())
	assert.Equal(t, int32(1), ok.Load())

	// The channel keeps working after the failures.
	ft.Latest("board:1").Deliver(realtime.Message{Event: "moved"})
	assert.Equal(t, int32(2), ok.Load())
	assert.True(t, client.IsSubscribed("board:1"))
}

func TestOff(t *testing.T) {
	ctx := context.Background()

	t.Run("last handler tears the topic down", func(t *testing.T) {
		client, ft := newTestClient()
		var n atomic.Int32
		h := counter("h", &n)
		require.NoError(t, client.On(ctx, "board:1", "moved", h))

		require.NoError(t, client.Off(ctx, "board:1", "moved", h))

		assert.False(t, client.IsSubscribed("board:1"))
		assert.Equal(t, 1, ft.Count("unsubscribe board:1"))
		assert.Equal(t, 1, ft.Count("remove board:1"))
	})

	t.Run("failed teardown still drops the topic", func(t *testing.T) {
		client, ft := newTestClient()
		var n atomic.Int32
		h := counter("h", &n)
		require.NoError(t, client.On(ctx, "board:1", "moved", h))
		ch := ft.Latest("board:1")
		leaveErr := errors.New("leave timed out")
		removeErr := errors.New("socket gone")
		ft.SetUnsubscribeErr(leaveErr)
		ft.SetRemoveErr(removeErr)

		err := client.Off(ctx, "board:1", "moved", h)
		assert.ErrorIs(t, err, leaveErr)
		assert.ErrorIs(t, err, removeErr)
		assert.False(t, client.IsSubscribed("board:1"))
		assert.Empty(t, client.Events("board:1"))
		assert.Equal(t, 1, ft.Count("remove board:1"))

		ch.Deliver(realtime.Message{Event: "moved"})
		assert.Zero(t, n.Load())
	})

	t.Run("nil handler clears the event", func(t *testing.T) {
		client, _ := newTestClient()
		var n atomic.Int32
		require.NoError(t, client.On(ctx, "board:1", "moved", counter("a", &n)))
		require.NoError(t, client.On(ctx, "board:1", "moved", counter("b", &n)))

		require.NoError(t, client.Off(ctx, "board:1", "moved", nil))

		assert.False(t, client.IsSubscribed("board:1"))
	})

	t.Run("one of two handlers keeps the topic", func(t *testing.T) {
		client, ft := newTestClient()
		var a, b atomic.Int32
		ha, hb := counter("a", &a), counter("b", &b)
		require.NoError(t, client.On(ctx, "board:1", "moved", ha))
		require.NoError(t, client.On(ctx, "board:1", "moved", hb))

		require.NoError(t, client.Off(ctx, "board:1", "moved", ha))
		ft.Latest("board:1").Deliver(realtime.Message{Event: "moved"})

		assert.Zero(t, a.Load())
		assert.Equal(t, int32(1), b.Load())
		assert.True(t, client.IsSubscribed("board:1"))
	})

	t.Run("unknown combinations are no-ops", func(t *testing.T) {
		client, ft := newTestClient()
		var n atomic.Int32
		h := counter("h", &n)
		stranger := counter("stranger", &n)
		require.NoError(t, client.On(ctx, "board:1", "moved", h))
		before := len(ft.Calls())

		assert.NoError(t, client.Off(ctx, "missing", "moved", h))
		assert.NoError(t, client.Off(ctx, "board:1", "missing", h))
		assert.NoError(t, client.Off(ctx, "board:1", "missing", nil))
		assert.NoError(t, client.Off(ctx, "board:1", "moved", stranger))

		assert.True(t, client.IsSubscribed("board:1"))
		assert.Len(t, ft.Calls(), before)
	})

	t.Run("subscribed topic without handlers survives unrelated off", func(t *testing.T) {
		client, _ := newTestClient()
		require.NoError(t, client.Subscribe(ctx, "user:u1"))
		assert.NoError(t, client.Off(ctx, "user:u1", "moved", nil))
		assert.True(t, client.IsSubscribed("user:u1"))
	})
}

func TestDispatch_WildcardFallback(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()

	var wild, specific atomic.Int32
	require.NoError(t, client.On(ctx, "board:1", realtime.EventWildcard, counter("wild", &wild)))

	ch := ft.Latest("board:1")
	ch.Deliver(realtime.Message{Event: "anything"})
	assert.Equal(t, int32(1), wild.Load(), "wildcard receives unclaimed events")

	require.NoError(t, client.On(ctx, "board:1", "moved", counter("specific", &specific)))
	ch.Deliver(realtime.Message{Event: "moved"})
	assert.Equal(t, int32(1), specific.Load())
	assert.Equal(t, int32(1), wild.Load(), "specific handlers win over the wildcard")

	ch.Deliver(realtime.Message{})
	assert.Equal(t, int32(2), wild.Load(), "nameless messages resolve to the default label")
}

func TestDispatch_EventName(t *testing.T) {
	tests := []struct {
		name string
		msg  realtime.Message
		want string
	}{
		{"event wins", realtime.Message{Type: "broadcast", Event: "moved"}, "moved"},
		{"type fallback", realtime.Message{Type: "presence"}, "presence"},
		{"default label", realtime.Message{}, realtime.EventDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Name())
		})
	}
}

func TestOff_IndependentEventSets(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()

	var req, acc atomic.Int32
	require.NoError(t, client.On(ctx, "user:t", realtime.EventFriendRequest, counter("req", &req)))
	require.NoError(t, client.On(ctx, "user:t", realtime.EventFriendAccepted, counter("acc", &acc)))

	require.NoError(t, client.Off(ctx, "user:t", realtime.EventFriendRequest, nil))

	assert.True(t, client.IsSubscribed("user:t"))
	assert.Equal(t, []string{realtime.EventFriendAccepted}, client.Events("user:t"))

	ch := ft.Latest("user:t")
	ch.Deliver(realtime.Message{Event: realtime.EventFriendAccepted})
	ch.Deliver(realtime.Message{Event: realtime.EventFriendRequest})
	assert.Equal(t, int32(1), acc.Load())
	assert.Zero(t, req.Load())
	assert.Zero(t, ft.Count("unsubscribe user:t"))
}

func TestFriendRequestScenario(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()

	var got []realtime.Message
	h := realtime.NewHandler("toast", func(ctx context.Context, msg realtime.Message) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, client.On(ctx, "user:abc", realtime.EventFriendRequest, h))

	ft.Latest("user:abc").Deliver(realtime.Message{
		Type:    realtime.TypeBroadcast,
		Event:   realtime.EventFriendRequest,
		Payload: []byte(`{"from":"def"}`),
	})

	require.Len(t, got, 1)
	var payload struct {
		From string `json:"from"`
	}
	require.NoError(t, got[0].Decode(&payload))
	assert.Equal(t, "def", payload.From)
	assert.Equal(t, "user:abc", got[0].Topic)

	require.NoError(t, client.Off(ctx, "user:abc", realtime.EventFriendRequest, h))
	assert.False(t, client.IsSubscribed("user:abc"))
}

func TestSendToTopic(t *testing.T) {
	ctx := context.Background()

	t.Run("untracked topic leaves no record", func(t *testing.T) {
		client, ft := newTestClient()

		res, err := client.SendToTopic(ctx, "user:abc", realtime.EventFriendRequest, map[string]string{"from": "def"})
		require.NoError(t, err)
		assert.Equal(t, realtime.SendOK, res)
		assert.False(t, client.IsSubscribed("user:abc"))
		assert.Zero(t, ft.Count("subscribe user:abc"))
		assert.Equal(t, 1, ft.Count("remove user:abc"))
		assert.Empty(t, client.Topics())

		sent := ft.Latest("user:abc").Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, realtime.TypeBroadcast, sent[0].Type)
		assert.Equal(t, realtime.EventFriendRequest, sent[0].Event)
		assert.JSONEq(t, `{"from":"def"}`, string(sent[0].Payload))
	})

	t.Run("tracked topic reuses its channel", func(t *testing.T) {
		client, ft := newTestClient()
		require.NoError(t, client.Subscribe(ctx, "board:1"))

		_, err := client.SendToTopic(ctx, "board:1", "moved", []byte(`{"x":1}`))
		require.NoError(t, err)

		assert.Equal(t, 1, ft.Count("create board:1"))
		assert.Zero(t, ft.Count("remove board:1"))
		assert.True(t, client.IsSubscribed("board:1"))
	})

	t.Run("transport errors surface", func(t *testing.T) {
		client, ft := newTestClient()
		boom := errors.New("network unavailable")
		ft.sendResult, ft.sendErr = realtime.SendTimedOut, boom

		res, err := client.SendToTopic(ctx, "board:1", "moved", nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, realtime.SendTimedOut, res)
	})

	t.Run("unencodable payload", func(t *testing.T) {
		client, ft := newTestClient()
		res, err := client.SendToTopic(ctx, "board:1", "moved", make(chan int))
		assert.Error(t, err)
		assert.Equal(t, realtime.SendError, res)
		assert.Empty(t, ft.Calls())
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()
	require.NoError(t, client.Subscribe(ctx, "a"))
	require.NoError(t, client.Subscribe(ctx, "b"))
	assert.Equal(t, []string{"a", "b"}, client.Topics())

	require.NoError(t, client.Close(ctx))

	assert.Empty(t, client.Topics())
	assert.Equal(t, 1, ft.Count("unsubscribe a"))
	assert.Equal(t, 1, ft.Count("unsubscribe b"))
	assert.ErrorIs(t, client.Subscribe(ctx, "a"), realtime.ErrClosed)
	_, err := client.SendToTopic(ctx, "a", "x", nil)
	assert.ErrorIs(t, err, realtime.ErrClosed)
	assert.NoError(t, client.Close(ctx))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient()
	require.NoError(t, client.Subscribe(ctx, "a"))

	require.NoError(t, client.Reset(ctx))
	assert.Empty(t, client.Topics())
	assert.NoError(t, client.Subscribe(ctx, "a"), "client stays usable after reset")
}

func TestConcurrentOnOff(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			topic := fmt.Sprintf("board:%d", i%4)
			var n atomic.Int32
			h := counter("h", &n)
			for j := 0; j < 50; j++ {
				assert.NoError(t, client.On(ctx, topic, "moved", h))
				if ch := ft.Latest(topic); ch != nil {
					ch.Deliver(realtime.Message{Event: "moved"})
				}
				assert.NoError(t, client.Off(ctx, topic, "moved", h))
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, client.Topics())
}

func TestTypedEvent(t *testing.T) {
	ctx := context.Background()
	client, ft := newTestClient()

	res, err := realtime.FriendRequest.Send(ctx, client, "user:abc", realtime.FriendPayload{From: "def"})
	require.NoError(t, err)
	assert.Equal(t, realtime.SendOK, res)

	sent := ft.Latest("user:abc").Sent()
	require.Len(t, sent, 1)
	msg := realtime.Message{Event: sent[0].Event, Payload: sent[0].Payload}

	got, err := realtime.FriendRequest.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "def", got.From)

	_, err = realtime.FriendAccepted.Decode(msg)
	assert.Error(t, err)

	info := realtime.FriendRequest.Info()
	assert.Equal(t, []string{"from", "username"}, info.Fields)
	assert.Len(t, realtime.Events(), 2)
}
