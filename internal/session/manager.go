package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/boardboard/internal/auth"
	"github.com/nfrund/boardboard/internal/notifications"
	"github.com/nfrund/boardboard/internal/realtime"
)

var (
	// ErrNotFound is returned for an unknown or destroyed session id.
	ErrNotFound = errors.New("session: not found")
	// ErrClosed is returned once the Manager has been closed.
	ErrClosed = errors.New("session: manager closed")
	// ErrAnonymous is returned for operations that need a signed-in user.
	ErrAnonymous = errors.New("session: not signed in")
)

// Authenticator is the subset of the auth client used by sessions.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*auth.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	FetchProfile(ctx context.Context, accessToken, userID string) (*auth.Profile, error)
	RefreshSession(ctx context.Context, refreshToken string) (*auth.Session, error)
}

const (
	defaultRefreshMargin = time.Minute
	defaultRefreshRetry  = 30 * time.Second
	refreshTimeout       = 15 * time.Second
)

// Config configures a Manager.
type Config struct {
	Dial   Dialer
	Auth   Authenticator
	Sink   notifications.Sink
	Logger *slog.Logger
	Tracer trace.Tracer
	// MaxParallelClose bounds concurrent teardown in Close and Prune.
	MaxParallelClose int
	// RefreshMargin is how long before expiry the access token is
	// refreshed. RefreshRetry spaces out attempts after a failed refresh.
	RefreshMargin time.Duration
	RefreshRetry  time.Duration
}

// Manager owns every live session.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxParallelClose <= 0 {
		cfg.MaxParallelClose = 8
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = defaultRefreshMargin
	}
	if cfg.RefreshRetry <= 0 {
		cfg.RefreshRetry = defaultRefreshRetry
	}
	if cfg.Sink == nil {
		cfg.Sink = notifications.SinkFunc(func(context.Context, string, notifications.Toast) error { return nil })
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "session_manager"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create opens a new anonymous session with its own realtime registry.
// The realtime connection is dialed at sign-in.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	l := &link{sessionID: id, dial: m.cfg.Dial}

	logger := m.cfg.Logger.With("session_id", id)
	opts := []realtime.Option{realtime.WithLogger(logger)}
	if m.cfg.Tracer != nil {
		opts = append(opts, realtime.WithTracer(m.cfg.Tracer))
	}

	// Realtime calls made on behalf of identity changes outlive the request
	// that triggered them.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := m.now()
	s := &Session{
		ID:        id,
		CreatedAt: now,
		identity:  auth.NewIdentityState(),
		client:    realtime.NewClient(l, opts...),
		link:      l,
		ctx:       sctx,
		cancel:    cancel,
		lastSeen:  now,
	}
	s.lifecycle = realtime.NewLifecycle(s.client, s.identity, opts...)
	s.notifier = notifications.New(id, s.client, m.cfg.Sink, logger)
	s.lifecycle.Start(sctx)
	s.notifier.Start(sctx, s.identity)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.close(ctx)
		return nil, ErrClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Debug("session created", "session_id", id)
	return s, nil
}

// Get returns the session for id and marks it as seen.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.touch(m.now())
	}
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy closes the session and forgets it. Unknown ids are ignored.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.close(ctx); err != nil {
		return fmt.Errorf("session: destroy %s: %w", id, err)
	}
	m.logger.Debug("session destroyed", "session_id", id)
	return nil
}

// Login signs the session in with email and password. The personal topic
// of the user is joined before Login returns.
func (m *Manager) Login(ctx context.Context, id, email, password string) (*auth.Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	as, err := m.cfg.Auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := m.Authenticate(ctx, s, as); err != nil {
		if serr := m.cfg.Auth.SignOut(ctx, as.AccessToken); serr != nil {
			m.logger.Warn("remote sign out failed", "session_id", id, "error", serr)
		}
		return nil, err
	}
	return as, nil
}

// Authenticate attaches an auth session obtained elsewhere, for example
// from sign-up, to s. It opens the session's realtime connection and keeps
// the access token fresh until sign-out.
func (m *Manager) Authenticate(ctx context.Context, s *Session, as *auth.Session) error {
	if prev, ok := s.Identity(); ok && prev.ID != as.User.ID {
		m.logger.Info("session switching user", "session_id", s.ID, "from", prev.ID, "to", as.User.ID)
	}
	profile, err := m.cfg.Auth.FetchProfile(ctx, as.AccessToken, as.User.ID)
	if err != nil {
		m.logger.Warn("failed to fetch profile", "session_id", s.ID, "user_id", as.User.ID, "error", err)
		profile = nil
	}
	gen, err := s.signIn(ctx, as, profile)
	if err != nil {
		return fmt.Errorf("session: open realtime connection: %w", err)
	}
	m.armRefresh(s, gen, as)
	m.logger.Info("user signed in", "session_id", s.ID, "user_id", as.User.ID)
	return nil
}

// armRefresh schedules the refresh of as ahead of its expiry.
func (m *Manager) armRefresh(s *Session, gen uint64, as *auth.Session) {
	exp := as.Expiry()
	if exp.IsZero() || as.RefreshToken == "" {
		return
	}
	delay := max(exp.Sub(m.now())-m.cfg.RefreshMargin, 0)
	s.scheduleRefresh(gen, delay, func() { m.refresh(s, gen) })
}

// refresh trades the refresh token for a new access token and hands it to
// the realtime connection. A rejected refresh token signs the session out.
func (m *Manager) refresh(s *Session, gen uint64) {
	if s.ctx.Err() != nil {
		return
	}
	cur, ok := s.authFor(gen)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, refreshTimeout)
	defer cancel()
	next, err := m.cfg.Auth.RefreshSession(ctx, cur.RefreshToken)
	switch {
	case s.ctx.Err() != nil:
		return
	case errors.Is(err, auth.ErrUnauthorized):
		m.logger.Warn("refresh token rejected, signing out", "session_id", s.ID, "user_id", cur.User.ID, "error", err)
		if _, ok := s.authFor(gen); !ok {
			return
		}
		if _, err := s.signOut(s.ctx); err != nil {
			m.logger.Warn("sign out after rejected refresh failed", "session_id", s.ID, "error", err)
		}
		return
	case err != nil:
		m.logger.Warn("token refresh failed", "session_id", s.ID, "retry_in", m.cfg.RefreshRetry, "error", err)
		s.scheduleRefresh(gen, m.cfg.RefreshRetry, func() { m.refresh(s, gen) })
		return
	}

	if !s.replaceAuth(gen, next) {
		return
	}
	m.logger.Debug("access token refreshed", "session_id", s.ID, "expires_at", next.Expiry())
	m.armRefresh(s, gen, next)
}

// Logout signs the session out. The remote sign-out is best effort; the
// local identity is always cleared.
func (m *Manager) Logout(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	ident, signedIn := s.Identity()
	token, err := s.signOut(s.ctx)
	if err != nil {
		m.logger.Warn("realtime teardown on sign out failed", "session_id", id, "error", err)
	}
	if !signedIn {
		return nil
	}
	if token != "" {
		if err := m.cfg.Auth.SignOut(ctx, token); err != nil {
			m.logger.Warn("remote sign out failed", "session_id", id, "error", err)
		}
	}
	m.logger.Info("user signed out", "session_id", id, "user_id", ident.ID)
	return nil
}

// Prune destroys sessions not seen for longer than idle and reports how many
// were removed.
func (m *Manager) Prune(ctx context.Context, idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	if err := m.closeAll(ctx, stale); err != nil {
		m.logger.Warn("prune: teardown failed", "error", err)
	}
	if len(stale) > 0 {
		m.logger.Info("pruned idle sessions", "count", len(stale))
	}
	return len(stale)
}

// Janitor prunes idle sessions every interval until ctx ends.
func (m *Manager) Janitor(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune(ctx, idle)
		}
	}
}

// Close destroys every session. Later calls to Create fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	return m.closeAll(ctx, all)
}

func (m *Manager) closeAll(ctx context.Context, sessions []*Session) error {
	if len(sessions) == 0 {
		return nil
	}
	p := pool.New().WithErrors().WithMaxGoroutines(m.cfg.MaxParallelClose)
	for _, s := range sessions {
		p.Go(func() error {
			if err := s.close(ctx); err != nil {
				return fmt.Errorf("session %s: %w", s.ID, err)
			}
			return nil
		})
	}
	return p.Wait()
}
