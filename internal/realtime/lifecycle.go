package realtime

import (
	"context"
	"log/slog"
	"sync"
)

// Identity is the authenticated user as seen by the realtime layer.
type Identity struct {
	ID       string
	Email    string
	Username string
}

// IdentitySource publishes the current identity. Watch must call fn once
// right away with the current value and again after every change; ok is
// false while nobody is signed in. The returned func stops the watch.
type IdentitySource interface {
	Watch(fn func(id Identity, ok bool)) (cancel func())
}

// Lifecycle keeps the personal topic of the current identity subscribed.
type Lifecycle struct {
	client *Client
	source IdentitySource
	logger *slog.Logger

	startMu sync.Mutex
	cancel  func()

	// mu serializes transitions so teardown of the previous identity always
	// completes before the next personal topic is joined.
	mu      sync.Mutex
	current string
}

// NewLifecycle binds client to the identity published by source. Nothing
// happens until Start is called.
func NewLifecycle(client *Client, source IdentitySource, opts ...Option) *Lifecycle {
	o := newOptions(opts)
	return &Lifecycle{
		client: client,
		source: source,
		logger: o.logger.With("component", "realtime_lifecycle"),
	}
}

// Start begins watching the identity source. ctx is used for every
// transport call made on behalf of an identity change. Calling Start on a
// running Lifecycle does nothing.
func (l *Lifecycle) Start(ctx context.Context) {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if l.cancel != nil {
		return
	}
	l.cancel = l.source.Watch(func(id Identity, ok bool) {
		l.observe(ctx, id, ok)
	})
}

// Stop ends the watch. Subscriptions made so far are left in place.
func (l *Lifecycle) Stop() {
	l.startMu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.startMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Current returns the user id the Lifecycle last acted on, or "" when
// anonymous.
func (l *Lifecycle) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Lifecycle) observe(ctx context.Context, ident Identity, ok bool) {
	next := ""
	if ok {
		next = ident.ID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if next == l.current {
		return
	}
	prev := l.current
	l.current = next

	if prev != "" {
		l.dropPersonalTopics(ctx)
	}
	if next == "" {
		l.logger.Debug("identity cleared", "previous", prev)
		return
	}

	topic := PersonalTopic(next)
	if err := l.client.Subscribe(ctx, topic); err != nil {
		l.logger.Warn("failed to subscribe personal topic", "topic", topic, "error", err)
		return
	}
	l.logger.Debug("personal topic subscribed", "topic", topic)
}

// dropPersonalTopics unsubscribes every tracked topic under the personal
// prefix, not just the previous identity's, so nothing stale survives.
func (l *Lifecycle) dropPersonalTopics(ctx context.Context) {
	for _, topic := range l.client.Topics() {
		if !IsPersonalTopic(topic) {
			continue
		}
		if err := l.client.Unsubscribe(ctx, topic); err != nil {
			l.logger.Warn("failed to unsubscribe personal topic", "topic", topic, "error", err)
		}
	}
}
