package phoenix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/nfrund/boardboard/internal/realtime"
)

const (
	defaultHeartbeatInterval    = 25 * time.Second
	defaultPushTimeout          = 10 * time.Second
	defaultEventsPerSecond      = 10
	defaultReconnectInterval    = 500 * time.Millisecond
	defaultMaxReconnectInterval = 10 * time.Second
	writeTimeout                = 5 * time.Second
	readLimit                   = 1 << 20
)

// Config configures a Socket.
type Config struct {
	// URL is the websocket endpoint, e.g.
	// wss://<project>.supabase.co/realtime/v1/websocket.
	URL string
	// APIKey is the project's anon key. It doubles as access token until
	// SetAuth is called.
	APIKey string
	// Private joins channels with authorization checks enabled.
	Private bool

	HeartbeatInterval    time.Duration
	PushTimeout          time.Duration
	EventsPerSecond      float64
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = defaultPushTimeout
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = defaultEventsPerSecond
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.PushTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Socket is one multiplexed connection to the realtime server. It
// implements realtime.Transport.
type Socket struct {
	cfg       Config
	wsURL     string
	httpURL   string
	logger    *slog.Logger
	limiter   *rate.Limiter
	ref       atomic.Uint64
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	ready     chan struct{}
	readyOnce sync.Once

	connMu sync.RWMutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan reply

	tokenMu sync.RWMutex
	token   string

	channelsMu sync.Mutex
	channels   map[string]map[*Channel]struct{}
}

// New validates cfg and returns an unconnected Socket.
func New(cfg Config) (*Socket, error) {
	cfg.setDefaults()
	wsURL, httpURL, err := endpoints(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		cfg:      cfg,
		wsURL:    wsURL,
		httpURL:  httpURL,
		logger:   cfg.Logger.With("component", "phoenix"),
		limiter:  rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), int(cfg.EventsPerSecond)+1),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		pending:  make(map[string]chan reply),
		token:    cfg.APIKey,
		channels: make(map[string]map[*Channel]struct{}),
	}, nil
}

// endpoints derives the websocket URL with its query parameters and the
// REST broadcast URL from the configured endpoint.
func endpoints(raw, apiKey string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("phoenix: parse url: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("phoenix: url %q has no host", raw)
	}

	ws := *u
	switch u.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", "", fmt.Errorf("phoenix: unsupported scheme %q", u.Scheme)
	}
	q := ws.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", protocolVsn)
	ws.RawQuery = q.Encode()

	rest := *u
	rest.RawQuery = ""
	switch ws.Scheme {
	case "ws":
		rest.Scheme = "http"
	case "wss":
		rest.Scheme = "https"
	}
	rest.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/websocket") + "/api/broadcast"

	return ws.String(), rest.String(), nil
}

// Connect starts the connection loop and waits until the first connection
// is up or ctx ends. The loop keeps reconnecting in the background until
// Close.
func (s *Socket) Connect(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSocketClosed
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.connectLoop()
		}()
	})

	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("phoenix: connect: %w", ctx.Err())
	case <-s.ctx.Done():
		return ErrSocketClosed
	}
}

// Close stops the connection loop and closes the connection.
func (s *Socket) Close() error {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	s.wg.Wait()
	return nil
}

// Connected reports whether a connection is currently up.
func (s *Socket) Connected() bool {
	return s.connected.Load()
}

// SetAuth replaces the access token used to join channels and forwards it
// to every joined channel. An empty token falls back to the API key.
func (s *Socket) SetAuth(token string) {
	if token == "" {
		token = s.cfg.APIKey
	}
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()

	for _, ch := range s.trackedChannels() {
		if !ch.isJoined() {
			continue
		}
		payload := map[string]string{"access_token": token}
		if err := s.pushAsync(ch.wireTopic(), eventAccessToken, payload); err != nil && !errors.Is(err, ErrNotConnected) {
			s.logger.Warn("failed to push access token", "topic", ch.topic, "error", err)
		}
	}
}

func (s *Socket) accessToken() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token
}

// Channel implements realtime.Transport.
func (s *Socket) Channel(topic string) realtime.Channel {
	return newChannel(s, topic)
}

// RemoveChannel implements realtime.Transport.
func (s *Socket) RemoveChannel(ctx context.Context, ch realtime.Channel) error {
	c, ok := ch.(*Channel)
	if !ok || c.socket != s {
		return fmt.Errorf("phoenix: channel %q does not belong to this socket", ch.Topic())
	}
	s.untrack(c)
	c.release()
	return nil
}

func (s *Socket) track(c *Channel) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	set, ok := s.channels[c.topic]
	if !ok {
		set = make(map[*Channel]struct{})
		s.channels[c.topic] = set
	}
	set[c] = struct{}{}
}

func (s *Socket) untrack(c *Channel) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	if set, ok := s.channels[c.topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.channels, c.topic)
		}
	}
}

func (s *Socket) channelsFor(topic string) []*Channel {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	set := s.channels[topic]
	out := make([]*Channel, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (s *Socket) trackedChannels() []*Channel {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	var out []*Channel
	for _, set := range s.channels {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

func (s *Socket) connectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectInterval
	bo.MaxInterval = s.cfg.MaxReconnectInterval

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(s.ctx, s.wsURL, nil)
		if err != nil {
			s.logger.Warn("realtime dial failed", "error", err)
			if !s.sleep(bo) {
				return
			}
			continue
		}
		conn.SetReadLimit(readLimit)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.connected.Store(true)
		s.readyOnce.Do(func() { close(s.ready) })
		bo.Reset()
		s.logger.Info("realtime socket connected")

		connCtx, connCancel := context.WithCancel(s.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- s.heartbeatLoop(connCtx)
		}()

		s.rejoinAll()

		firstErr := <-errCh
		connCancel()
		s.connected.Store(false)
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		s.failPending()

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("realtime socket disconnected", "error", firstErr)
		if !s.sleep(bo) {
			return
		}
	}
}

func (s *Socket) sleep(bo *backoff.ExponentialBackOff) bool {
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		wait = s.cfg.MaxReconnectInterval
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// rejoinAll joins every channel that wanted to be joined when the
// connection came up.
func (s *Socket) rejoinAll() {
	for _, c := range s.trackedChannels() {
		if !c.wantsJoin() {
			continue
		}
		go func(c *Channel) {
			if err := c.join(s.ctx, true); err != nil {
				s.logger.Warn("rejoin failed", "topic", c.topic, "error", err)
			}
		}(c)
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read websocket: %w", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("undecodable frame", "error", err)
			continue
		}
		s.route(f)
	}
}

func (s *Socket) route(f frame) {
	if f.Event == eventReply && f.Ref != "" {
		var r reply
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			s.logger.Warn("undecodable reply", "ref", f.Ref, "error", err)
			return
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[f.Ref]
		delete(s.pending, f.Ref)
		s.pendingMu.Unlock()
		if ok {
			ch <- r
		}
		return
	}

	topic, ok := strings.CutPrefix(f.Topic, wireTopicPrefix)
	if !ok {
		return
	}
	switch f.Event {
	case eventBroadcast:
		var b broadcastPayload
		if err := json.Unmarshal(f.Payload, &b); err != nil {
			s.logger.Warn("undecodable broadcast", "topic", topic, "error", err)
			return
		}
		msg := realtime.Message{Topic: topic, Type: b.Type, Event: b.Event, Payload: b.Payload}
		for _, c := range s.channelsFor(topic) {
			c.enqueue(msg)
		}
	case eventError, eventClose:
		s.logger.Warn("channel closed by server", "topic", topic, "event", f.Event)
		for _, c := range s.channelsFor(topic) {
			c.serverClosed()
		}
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
			_, err := s.push(hbCtx, phoenixTopic, eventHeartbeat, struct{}{})
			cancel()
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *Socket) write(ctx context.Context, f frame) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("phoenix: marshal %s: %w", f.Event, err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("phoenix: write %s: %w", f.Event, err)
	}
	return nil
}

// push sends one frame and waits for its reply.
func (s *Socket) push(ctx context.Context, topic, event string, payload any) (reply, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return reply{}, fmt.Errorf("phoenix: marshal %s payload: %w", event, err)
	}
	ref := s.nextRef()
	ch := make(chan reply, 1)
	s.pendingMu.Lock()
	s.pending[ref] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, ref)
		s.pendingMu.Unlock()
	}()

	if err := s.write(ctx, frame{Topic: topic, Event: event, Payload: raw, Ref: ref}); err != nil {
		return reply{}, err
	}

	timer := time.NewTimer(s.cfg.PushTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-ch:
		if !ok {
			return reply{}, ErrNotConnected
		}
		return r, nil
	case <-timer.C:
		return reply{}, ErrPushTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return reply{}, ErrPushTimeout
		}
		return reply{}, ctx.Err()
	}
}

// pushAsync sends one frame without waiting for a reply.
func (s *Socket) pushAsync(topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("phoenix: marshal %s payload: %w", event, err)
	}
	return s.write(s.ctx, frame{Topic: topic, Event: event, Payload: raw, Ref: s.nextRef()})
}

// failPending releases every push waiting on the dropped connection.
func (s *Socket) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for ref, ch := range s.pending {
		close(ch)
		delete(s.pending, ref)
	}
}
