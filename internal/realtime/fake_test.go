package realtime_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/nfrund/boardboard/internal/realtime"
)

// fakeTransport records every transport call in order.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	channels map[string][]*fakeChannel

	subscribeErr   error
	unsubscribeErr error
	removeErr      error
	sendResult     realtime.SendResult
	sendErr        error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		channels:   make(map[string][]*fakeChannel),
		sendResult: realtime.SendOK,
	}
}

func (f *fakeTransport) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeTransport) Channel(topic string) realtime.Channel {
	ch := &fakeChannel{topic: topic, transport: f}
	f.mu.Lock()
	f.channels[topic] = append(f.channels[topic], ch)
	f.mu.Unlock()
	f.record("create %s", topic)
	return ch
}

func (f *fakeTransport) RemoveChannel(ctx context.Context, ch realtime.Channel) error {
	f.record("remove %s", ch.Topic())
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeErr
}

// Calls returns a copy of the call log.
func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many logged calls equal call.
func (f *fakeTransport) Count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Latest returns the newest channel created for topic.
func (f *fakeTransport) Latest(topic string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	chs := f.channels[topic]
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

func (f *fakeTransport) SetSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *fakeTransport) SetUnsubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeErr = err
}

func (f *fakeTransport) SetRemoveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeErr = err
}

type fakeChannel struct {
	topic     string
	transport *fakeTransport

	mu        sync.Mutex
	listeners []func(realtime.Message)
	sent      []realtime.Broadcast
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) OnBroadcast(fn func(realtime.Message)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *fakeChannel) Subscribe(ctx context.Context) error {
	c.transport.record("subscribe %s", c.topic)
	c.transport.mu.Lock()
	err := c.transport.subscribeErr
	c.transport.mu.Unlock()
	return err
}

func (c *fakeChannel) Unsubscribe(ctx context.Context) error {
	c.transport.record("unsubscribe %s", c.topic)
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	return c.transport.unsubscribeErr
}

func (c *fakeChannel) Send(ctx context.Context, b realtime.Broadcast) (realtime.SendResult, error) {
	c.mu.Lock()
	c.sent = append(c.sent, b)
	c.mu.Unlock()
	c.transport.record("send %s %s", c.topic, b.Event)
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	return c.transport.sendResult, c.transport.sendErr
}

// Deliver feeds msg to every listener the way a transport would.
func (c *fakeChannel) Deliver(msg realtime.Message) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

func (c *fakeChannel) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *fakeChannel) Sent() []realtime.Broadcast {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Broadcast(nil), c.sent...)
}

// fakeIdentity is a minimal IdentitySource.
type fakeIdentity struct {
	mu       sync.Mutex
	id       realtime.Identity
	ok       bool
	watchers []func(realtime.Identity, bool)
}

func (f *fakeIdentity) Watch(fn func(realtime.Identity, bool)) func() {
	f.mu.Lock()
	f.watchers = append(f.watchers, fn)
	id, ok := f.id, f.ok
	idx := len(f.watchers) - 1
	f.mu.Unlock()
	fn(id, ok)
	return func() {
		f.mu.Lock()
		f.watchers[idx] = nil
		f.mu.Unlock()
	}
}

func (f *fakeIdentity) Set(id string) {
	f.mu.Lock()
	f.id, f.ok = realtime.Identity{ID: id}, id != ""
	watchers := slices.Clone(f.watchers)
	ident, ok := f.id, f.ok
	f.mu.Unlock()
	for _, fn := range watchers {
		if fn != nil {
			fn(ident, ok)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient() (*realtime.Client, *fakeTransport) {
	ft := newFakeTransport()
	return realtime.NewClient(ft, realtime.WithLogger(discardLogger())), ft
}
