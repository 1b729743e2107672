package notifications_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/boardboard/internal/auth"
	"github.com/nfrund/boardboard/internal/notifications"
	"github.com/nfrund/boardboard/internal/pubsub"
	"github.com/nfrund/boardboard/internal/realtime"
)

type delivered struct {
	sessionID string
	toast     notifications.Toast
}

type recordingSink struct {
	mu     sync.Mutex
	toasts []delivered
	err    error
	ch     chan delivered
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan delivered, 16)}
}

func (s *recordingSink) Notify(_ context.Context, sessionID string, t notifications.Toast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toasts = append(s.toasts, delivered{sessionID, t})
	s.ch <- delivered{sessionID, t}
	return s.err
}

func (s *recordingSink) next(t *testing.T) delivered {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no toast delivered")
		return delivered{}
	}
}

func (s *recordingSink) none(t *testing.T) {
	t.Helper()
	select {
	case d := <-s.ch:
		t.Fatalf("unexpected toast %q", d.toast.Title)
	case <-time.After(200 * time.Millisecond):
	}
}

type fixture struct {
	ctx      context.Context
	identity *auth.IdentityState
	client   *realtime.Client
	sender   *realtime.Client
	notifier *notifications.Notifier
	sink     *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bridge := pubsub.NewWatermillBridge()
	t.Cleanup(func() { _ = bridge.Close() })
	transport := pubsub.NewTransport(bridge, bridge)

	client := realtime.NewClient(transport, realtime.WithLogger(logger))
	sender := realtime.NewClient(transport, realtime.WithLogger(logger))
	t.Cleanup(func() {
		_ = client.Close(ctx)
		_ = sender.Close(ctx)
	})

	f := &fixture{
		ctx:      ctx,
		identity: auth.NewIdentityState(),
		client:   client,
		sender:   sender,
		sink:     newRecordingSink(),
	}
	f.notifier = notifications.New("sess-1", client, f.sink, logger)
	f.notifier.Start(ctx, f.identity)
	t.Cleanup(f.notifier.Stop)
	return f
}

func TestNotifier_FriendRequestToast(t *testing.T) {
	f := newFixture(t)
	f.identity.Set(realtime.Identity{ID: "u1"})

	assert.Equal(t, []string{"friend_accepted", "friend_request"}, f.client.Events("user:u1"))

	_, err := realtime.FriendRequest.Send(f.ctx, f.sender, "user:u1", realtime.FriendPayload{From: "u2", Username: "bob"})
	require.NoError(t, err)

	d := f.sink.next(t)
	assert.Equal(t, "sess-1", d.sessionID)
	assert.Equal(t, "You got a new friend request!", d.toast.Title)
	assert.Equal(t, "i-fluent-people-community-16-regular", d.toast.Icon)
	assert.Equal(t, "bob wants to be your friend.", d.toast.Description)
	assert.Equal(t, realtime.EventFriendRequest, d.toast.Event)
	assert.JSONEq(t, `{"from":"u2","username":"bob"}`, string(d.toast.Payload))
}

func TestNotifier_FriendAcceptedToast(t *testing.T) {
	f := newFixture(t)
	f.identity.Set(realtime.Identity{ID: "u1"})

	_, err := realtime.FriendAccepted.Send(f.ctx, f.sender, "user:u1", realtime.FriendPayload{From: "u2"})
	require.NoError(t, err)

	d := f.sink.next(t)
	assert.Equal(t, "Your friend request was accepted!", d.toast.Title)
	assert.Empty(t, d.toast.Description)
}

func TestNotifier_UnrelatedEventIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.identity.Set(realtime.Identity{ID: "u1"})

	_, err := f.sender.SendToTopic(f.ctx, "user:u1", "board_shared", map[string]string{"board": "b1"})
	require.NoError(t, err)

	f.sink.none(t)
}

func TestNotifier_LogoutRemovesHandlers(t *testing.T) {
	f := newFixture(t)
	f.identity.Set(realtime.Identity{ID: "u1"})
	require.True(t, f.client.IsSubscribed("user:u1"))

	f.identity.Clear()

	assert.Empty(t, f.notifier.User())
	assert.False(t, f.client.IsSubscribed("user:u1"), "topic torn down once the last handler is gone")

	_, err := realtime.FriendRequest.Send(f.ctx, f.sender, "user:u1", realtime.FriendPayload{From: "u2"})
	require.NoError(t, err)
	f.sink.none(t)
}

func TestNotifier_SwitchUser(t *testing.T) {
	f := newFixture(t)
	f.identity.Set(realtime.Identity{ID: "u1"})
	f.identity.Set(realtime.Identity{ID: "u3"})

	assert.Equal(t, "u3", f.notifier.User())
	assert.Equal(t, []string{"user:u3"}, f.client.Topics())

	_, err := realtime.FriendRequest.Send(f.ctx, f.sender, "user:u3", realtime.FriendPayload{From: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", f.sink.next(t).sessionID)
}

func TestNotifier_WithLifecycle(t *testing.T) {
	f := newFixture(t)
	lc := realtime.NewLifecycle(f.client, f.identity)
	lc.Start(f.ctx)
	defer lc.Stop()

	f.identity.Set(realtime.Identity{ID: "u1"})
	f.identity.Clear()

	assert.Empty(t, f.client.Topics())

	f.identity.Set(realtime.Identity{ID: "u1"})
	_, err := realtime.FriendRequest.Send(f.ctx, f.sender, "user:u1", realtime.FriendPayload{From: "u2"})
	require.NoError(t, err)
	f.sink.next(t)
}

func TestNotifier_SinkErrorIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("socket gone")
	f.identity.Set(realtime.Identity{ID: "u1"})

	for i := 0; i < 2; i++ {
		_, err := realtime.FriendRequest.Send(f.ctx, f.sender, "user:u1", realtime.FriendPayload{From: "u2"})
		require.NoError(t, err)
		f.sink.next(t)
	}
}

func TestSinkFunc(t *testing.T) {
	var got string
	sink := notifications.SinkFunc(func(_ context.Context, sessionID string, _ notifications.Toast) error {
		got = sessionID
		return nil
	})
	require.NoError(t, sink.Notify(context.Background(), "s", notifications.Toast{}))
	assert.Equal(t, "s", got)
}
