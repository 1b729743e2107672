// Package session ties one browser session to its own identity, realtime
// registry, personal-topic lifecycle and toast notifier.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nfrund/boardboard/internal/auth"
	"github.com/nfrund/boardboard/internal/notifications"
	"github.com/nfrund/boardboard/internal/realtime"
)

// Conn is the realtime connection owned by a session.
type Conn interface {
	realtime.Transport
	// SetAuth switches the token used to authorize channel joins. An empty
	// token reverts to anonymous access.
	SetAuth(token string)
	Close() error
}

// Dialer opens the Conn of a session. It is called when the session signs
// in, not when it is created.
type Dialer func(ctx context.Context, sessionID string) (Conn, error)

// SharedDialer hands every session the same transport. Broker transports
// do not authorize joins, so SetAuth and Close do nothing.
func SharedDialer(t realtime.Transport) Dialer {
	return func(context.Context, string) (Conn, error) {
		return sharedConn{t}, nil
	}
}

type sharedConn struct {
	realtime.Transport
}

func (sharedConn) SetAuth(string) {}
func (sharedConn) Close() error   { return nil }

// link is the realtime.Transport of a session's registry. The Conn behind
// it exists only while somebody is signed in.
type link struct {
	sessionID string
	dial      Dialer

	mu   sync.Mutex
	conn Conn
}

// linkChannel binds a registry channel to whichever Conn is open when it
// is joined or used. Before sign-in it has nothing to join and sends fail.
type linkChannel struct {
	link  *link
	topic string

	mu        sync.Mutex
	listeners []func(realtime.Message)
	conn      Conn
	inner     realtime.Channel
}

func (c *linkChannel) Topic() string {
	return c.topic
}

func (c *linkChannel) OnBroadcast(fn func(realtime.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
	if c.inner != nil {
		c.inner.OnBroadcast(fn)
	}
}

// bind returns the channel on the current Conn, creating it there when the
// Conn changed since the last call.
func (c *linkChannel) bind() (realtime.Channel, error) {
	conn := c.link.current()
	if conn == nil {
		return nil, ErrAnonymous
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		c.conn = conn
		c.inner = conn.Channel(c.topic)
		for _, fn := range c.listeners {
			c.inner.OnBroadcast(fn)
		}
	}
	return c.inner, nil
}

func (c *linkChannel) bound() (Conn, realtime.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.inner
}

func (c *linkChannel) Subscribe(ctx context.Context) error {
	inner, err := c.bind()
	if err != nil {
		return err
	}
	return inner.Subscribe(ctx)
}

// Unsubscribe leaves the channel on the Conn it was bound to. A channel
// bound to a Conn that has since been closed is already gone.
func (c *linkChannel) Unsubscribe(ctx context.Context) error {
	conn, inner := c.bound()
	if inner == nil || conn != c.link.current() {
		return nil
	}
	return inner.Unsubscribe(ctx)
}

func (c *linkChannel) Send(ctx context.Context, b realtime.Broadcast) (realtime.SendResult, error) {
	inner, err := c.bind()
	if err != nil {
		return realtime.SendError, err
	}
	return inner.Send(ctx, b)
}

func (l *link) current() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Channel implements realtime.Transport.
func (l *link) Channel(topic string) realtime.Channel {
	return &linkChannel{link: l, topic: topic}
}

// RemoveChannel implements realtime.Transport.
func (l *link) RemoveChannel(ctx context.Context, ch realtime.Channel) error {
	lc, ok := ch.(*linkChannel)
	if !ok {
		return nil
	}
	conn, inner := lc.bound()
	if inner == nil || conn != l.current() {
		return nil
	}
	return conn.RemoveChannel(ctx, inner)
}

// open dials the Conn unless one is already open.
func (l *link) open(ctx context.Context) (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}
	conn, err := l.dial(ctx, l.sessionID)
	if err != nil {
		return nil, err
	}
	l.conn = conn
	return conn, nil
}

func (l *link) setAuth(token string) {
	if conn := l.current(); conn != nil {
		conn.SetAuth(token)
	}
}

func (l *link) close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Session is the server-side state of one browser.
type Session struct {
	ID        string
	CreatedAt time.Time

	identity  *auth.IdentityState
	client    *realtime.Client
	lifecycle *realtime.Lifecycle
	notifier  *notifications.Notifier
	link      *link
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.RWMutex
	auth     *auth.Session
	profile  *auth.Profile
	lastSeen time.Time
	// gen changes on every sign-in and sign-out so a refresh started for
	// an older auth session is discarded.
	gen     uint64
	refresh *time.Timer
}

// Client returns the session's realtime registry.
func (s *Session) Client() *realtime.Client {
	return s.client
}

// Identity returns the signed-in user, if any.
func (s *Session) Identity() (realtime.Identity, bool) {
	return s.identity.Current()
}

// AccessToken returns the current access token or "" when anonymous.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.auth == nil {
		return ""
	}
	return s.auth.AccessToken
}

// Profile returns the last profile fetched for the signed-in user.
func (s *Session) Profile() *auth.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// LastSeen returns when the session was last looked up.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Connected reports whether the session holds a realtime connection.
func (s *Session) Connected() bool {
	return s.link.current() != nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// signIn opens the realtime connection, records the auth session and
// publishes the identity. The token reaches the connection before the
// identity so personal topic joins are authorized.
func (s *Session) signIn(ctx context.Context, as *auth.Session, profile *auth.Profile) (uint64, error) {
	conn, err := s.link.open(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.auth = as
	s.profile = profile
	s.gen++
	gen := s.gen
	if s.refresh != nil {
		s.refresh.Stop()
		s.refresh = nil
	}
	s.mu.Unlock()

	conn.SetAuth(as.AccessToken)
	ident := auth.IdentityFromUser(as.User)
	if profile != nil && profile.Username != "" {
		ident.Username = profile.Username
	}
	s.identity.Set(ident)
	return gen, nil
}

// replaceAuth swaps in a refreshed auth session if gen is still current.
func (s *Session) replaceAuth(gen uint64, as *auth.Session) bool {
	s.mu.Lock()
	if s.gen != gen || s.auth == nil {
		s.mu.Unlock()
		return false
	}
	s.auth = as
	s.mu.Unlock()
	s.link.setAuth(as.AccessToken)
	return true
}

// authFor returns the auth session if gen is still current.
func (s *Session) authFor(gen uint64) (*auth.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.gen != gen || s.auth == nil {
		return nil, false
	}
	return s.auth, true
}

// scheduleRefresh runs fn after delay. Nothing is scheduled when gen is
// no longer current, and signing in or out stops the timer.
func (s *Session) scheduleRefresh(gen uint64, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.auth == nil {
		return
	}
	if s.refresh != nil {
		s.refresh.Stop()
	}
	s.refresh = time.AfterFunc(delay, fn)
}

func (s *Session) stopRefresh() {
	s.mu.Lock()
	s.gen++
	if s.refresh != nil {
		s.refresh.Stop()
		s.refresh = nil
	}
	s.mu.Unlock()
}

// signOut clears the identity, releases the channels left on the
// connection and closes it. It returns the token that was in use.
func (s *Session) signOut(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := ""
	if s.auth != nil {
		token = s.auth.AccessToken
	}
	s.auth = nil
	s.profile = nil
	s.gen++
	if s.refresh != nil {
		s.refresh.Stop()
		s.refresh = nil
	}
	s.mu.Unlock()

	s.identity.Clear()
	err := s.client.Reset(ctx)
	return token, errors.Join(err, s.link.close())
}

// close stops the watchers and releases every channel and the connection.
func (s *Session) close(ctx context.Context) error {
	s.stopRefresh()
	s.notifier.Stop()
	s.lifecycle.Stop()
	s.cancel()
	err := s.client.Close(ctx)
	return errors.Join(err, s.link.close())
}
