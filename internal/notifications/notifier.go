// Package notifications turns broadcasts on the signed-in user's personal
// topic into toasts for the browser.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/nfrund/boardboard/internal/realtime"
)

// Toast is a user-facing notification.
type Toast struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Icon        string          `json:"icon,omitempty"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Sink receives toasts for one session.
type Sink interface {
	Notify(ctx context.Context, sessionID string, t Toast) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, sessionID string, t Toast) error

func (f SinkFunc) Notify(ctx context.Context, sessionID string, t Toast) error {
	return f(ctx, sessionID, t)
}

// Notifier registers toast handlers on the personal topic of whoever is
// signed in and removes them again on logout.
type Notifier struct {
	sessionID string
	client    *realtime.Client
	sink      Sink
	logger    *slog.Logger

	// handlers are created once so Off removes exactly what On added.
	handlers map[string]*realtime.Handler

	startMu sync.Mutex
	cancel  func()

	mu   sync.Mutex
	user string
}

// New creates a Notifier for the session identified by sessionID.
func New(sessionID string, client *realtime.Client, sink Sink, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		sessionID: sessionID,
		client:    client,
		sink:      sink,
		logger:    logger.With("component", "notifications", "session_id", sessionID),
	}
	n.handlers = map[string]*realtime.Handler{
		realtime.EventFriendRequest:  realtime.NewHandler("toast:friend_request", n.friendRequest),
		realtime.EventFriendAccepted: realtime.NewHandler("toast:friend_accepted", n.friendAccepted),
	}
	return n
}

// Start watches source. ctx is used for the realtime calls made on each
// identity change.
func (n *Notifier) Start(ctx context.Context, source realtime.IdentitySource) {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if n.cancel != nil {
		return
	}
	n.cancel = source.Watch(func(id realtime.Identity, ok bool) {
		if ok {
			n.subscribe(ctx, id.ID)
			return
		}
		n.unsubscribe(ctx)
	})
}

// Stop ends the watch. Registered handlers are left in place.
func (n *Notifier) Stop() {
	n.startMu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.startMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// User returns the id whose topic currently carries the toast handlers.
func (n *Notifier) User() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.user
}

func (n *Notifier) subscribe(ctx context.Context, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.user == userID {
		return
	}
	if n.user != "" {
		n.offLocked(ctx)
	}

	// Remember the user so the handlers can be removed after the identity
	// is gone.
	n.user = userID
	topic := realtime.PersonalTopic(userID)
	for event, h := range n.handlers {
		if err := n.client.On(ctx, topic, event, h); err != nil {
			n.logger.Warn("failed to register toast handler", "topic", topic, "event", event, "error", err)
		}
	}
}

func (n *Notifier) unsubscribe(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.user == "" {
		return
	}
	n.offLocked(ctx)
	n.user = ""
}

func (n *Notifier) offLocked(ctx context.Context) {
	topic := realtime.PersonalTopic(n.user)
	for event, h := range n.handlers {
		if err := n.client.Off(ctx, topic, event, h); err != nil {
			n.logger.Warn("failed to remove toast handler", "topic", topic, "event", event, "error", err)
		}
	}
}

func (n *Notifier) friendRequest(ctx context.Context, msg realtime.Message) error {
	p, err := realtime.FriendRequest.Decode(msg)
	if err != nil {
		return err
	}
	t := Toast{
		Title:   "You got a new friend request!",
		Icon:    "i-fluent-people-community-16-regular",
		Event:   msg.Name(),
		Payload: msg.Payload,
	}
	if p.Username != "" {
		t.Description = fmt.Sprintf("%s wants to be your friend.", p.Username)
	}
	return n.push(ctx, t)
}

func (n *Notifier) friendAccepted(ctx context.Context, msg realtime.Message) error {
	p, err := realtime.FriendAccepted.Decode(msg)
	if err != nil {
		return err
	}
	t := Toast{
		Title:   "Your friend request was accepted!",
		Icon:    "i-fluent-people-checkmark-16-regular",
		Event:   msg.Name(),
		Payload: msg.Payload,
	}
	if p.Username != "" {
		t.Description = fmt.Sprintf("You and %s are now friends.", p.Username)
	}
	return n.push(ctx, t)
}

func (n *Notifier) push(ctx context.Context, t Toast) error {
	if err := n.sink.Notify(ctx, n.sessionID, t); err != nil {
		return fmt.Errorf("deliver toast: %w", err)
	}
	n.logger.Debug("toast delivered", "event", t.Event)
	return nil
}
