// Package app wires configuration, transports and services into a running
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/boardboard/internal/auth"
	"github.com/nfrund/boardboard/internal/config"
	"github.com/nfrund/boardboard/internal/handlers"
	"github.com/nfrund/boardboard/internal/middleware"
	"github.com/nfrund/boardboard/internal/pubsub"
	"github.com/nfrund/boardboard/internal/server"
	"github.com/nfrund/boardboard/internal/session"
	"github.com/nfrund/boardboard/internal/transport/phoenix"
	"github.com/nfrund/boardboard/internal/websocket"
)

// App owns the dependency container and the resources it created.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	injector do.Injector

	mu      sync.Mutex
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New registers every service provider. Services are built lazily on first
// use.
func New(cfg *config.Config, logger *slog.Logger) *App {
	a := &App{cfg: cfg, logger: logger, injector: do.New()}

	do.ProvideValue(a.injector, cfg)
	do.ProvideValue(a.injector, logger)
	do.Provide(a.injector, a.provideTracer)
	do.Provide(a.injector, a.provideBroker)
	do.Provide(a.injector, a.provideDialer)
	do.Provide(a.injector, a.provideAuth)
	do.Provide(a.injector, a.provideBridge)
	do.Provide(a.injector, a.provideSessions)
	do.Provide(a.injector, a.provideRealtimeHandler)
	do.Provide(a.injector, a.provideServer)
	return a
}

// Server builds the HTTP server and everything behind it.
func (a *App) Server() (*server.Server, error) {
	return do.Invoke[*server.Server](a.injector)
}

// Run serves until ctx is cancelled and then releases every resource.
func (a *App) Run(ctx context.Context) error {
	srv, err := a.Server()
	if err != nil {
		return err
	}
	bridge := do.MustInvoke[*websocket.Bridge](a.injector)
	sessions := do.MustInvoke[*session.Manager](a.injector)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bridge.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		sessions.Janitor(runCtx, time.Minute, a.cfg.SessionIdle)
	}()

	err = srv.Start(runCtx, a.cfg.ServerAddr)
	cancel()
	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer closeCancel()
	return errors.Join(err, a.Close(closeCtx))
}

// Close releases resources in reverse creation order.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Error("failed to close resource", "resource", c.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) provideTracer(i do.Injector) (trace.Tracer, error) {
	tracer, shutdown, err := pubsub.SetupOTel(context.Background(), TracingConfig(a.cfg))
	if err != nil {
		return nil, err
	}
	a.onClose("tracer", shutdown)
	return tracer, nil
}

// TracingConfig maps the application config onto the tracing setup.
func TracingConfig(cfg *config.Config) pubsub.TracingConfig {
	tc := pubsub.DefaultTracingConfig()
	tc.Enabled = cfg.TracingEnabled
	if cfg.TracingServiceName != "" {
		tc.ServiceName = cfg.TracingServiceName
	}
	if cfg.TracingZipkinURL != "" {
		tc.ZipkinURL = cfg.TracingZipkinURL
	}
	tc.SampleRatio = cfg.TracingSampleRatio
	return tc
}

func (a *App) provideBroker(i do.Injector) (pubsub.Broker, error) {
	tracer := do.MustInvoke[trace.Tracer](i)
	b, err := DialBroker(context.Background(), a.cfg, tracer)
	if err != nil {
		return nil, err
	}
	a.onClose("broker", func(context.Context) error { return b.Close() })
	return b, nil
}

// DialBroker connects the broker selected by cfg.RealtimeTransport. The
// phoenix transport has no broker.
func DialBroker(ctx context.Context, cfg *config.Config, tracer trace.Tracer) (pubsub.Broker, error) {
	codec, err := pubsub.NewCodec(cfg.BrokerCodec)
	if err != nil {
		return nil, err
	}
	switch cfg.RealtimeTransport {
	case config.TransportMemory:
		return pubsub.NewWatermillBridgeWithTracer(tracer), nil
	case config.TransportRedis:
		return pubsub.DialRedis(ctx, cfg.RedisURL, pubsub.WithRedisCodec(codec))
	case config.TransportNATS:
		return pubsub.DialNATS(cfg.NATSURL, pubsub.WithNATSCodec(codec))
	default:
		return nil, fmt.Errorf("app: transport %q has no broker", cfg.RealtimeTransport)
	}
}

// PhoenixConfig maps the application config onto a phoenix socket config.
func PhoenixConfig(cfg *config.Config, logger *slog.Logger) phoenix.Config {
	return phoenix.Config{
		URL:               realtimeEndpoint(cfg.RealtimeURL),
		APIKey:            cfg.SupabaseAnonKey,
		Private:           cfg.RealtimePrivate,
		HeartbeatInterval: cfg.RealtimeHeartbeat,
		EventsPerSecond:   cfg.RealtimeEventsPerSecond,
		Logger:            logger,
	}
}

// realtimeEndpoint appends the default websocket path to a bare project
// URL.
func realtimeEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || (u.Path != "" && u.Path != "/") {
		return raw
	}
	u.Path = "/realtime/v1/websocket"
	return u.String()
}

// connectTimeout bounds the wait for a session's first realtime
// connection. The socket keeps retrying afterwards.
const connectTimeout = 5 * time.Second

func (a *App) provideDialer(i do.Injector) (session.Dialer, error) {
	if a.cfg.RealtimeTransport != config.TransportPhoenix {
		broker := do.MustInvoke[pubsub.Broker](i)
		return session.SharedDialer(pubsub.NewTransport(broker, broker)), nil
	}

	logger := do.MustInvoke[*slog.Logger](i)
	return func(ctx context.Context, sessionID string) (session.Conn, error) {
		s, err := phoenix.New(PhoenixConfig(a.cfg, logger.With("session_id", sessionID)))
		if err != nil {
			return nil, err
		}
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := s.Connect(cctx); err != nil {
			if errors.Is(err, phoenix.ErrSocketClosed) {
				return nil, err
			}
			logger.Warn("realtime not connected yet, retrying in background", "session_id", sessionID, "error", err)
		}
		return s, nil
	}, nil
}

func (a *App) provideAuth(i do.Injector) (*auth.Client, error) {
	return auth.NewClient(auth.Config{
		URL:            a.cfg.SupabaseURL,
		AnonKey:        a.cfg.SupabaseAnonKey,
		ServiceRoleKey: a.cfg.SupabaseServiceRoleKey,
		Logger:         do.MustInvoke[*slog.Logger](i),
	})
}

func (a *App) provideBridge(i do.Injector) (*websocket.Bridge, error) {
	var origins []string
	if u, err := url.Parse(a.cfg.AllowedOrigin); err == nil && u.Host != "" {
		origins = []string{u.Host}
	}
	return websocket.NewBridge(middleware.SessionID, websocket.Options{
		// Resolved per call: the realtime handler depends on the session
		// manager, which depends on the bridge.
		Inbound: func(ctx context.Context, sessionID string, in websocket.Inbound) error {
			h, err := do.Invoke[*handlers.RealtimeHandler](i)
			if err != nil {
				return err
			}
			return h.Inbound(ctx, sessionID, in)
		},
		OriginPatterns: origins,
		Logger:         do.MustInvoke[*slog.Logger](i),
	}), nil
}

func (a *App) provideSessions(i do.Injector) (*session.Manager, error) {
	m := session.NewManager(session.Config{
		Dial:   do.MustInvoke[session.Dialer](i),
		Auth:   do.MustInvoke[*auth.Client](i),
		Sink:   do.MustInvoke[*websocket.Bridge](i),
		Logger: do.MustInvoke[*slog.Logger](i),
		Tracer: do.MustInvoke[trace.Tracer](i),

		RefreshMargin: a.cfg.TokenRefreshMargin,
	})
	a.onClose("sessions", m.Close)
	return m, nil
}

func (a *App) provideRealtimeHandler(i do.Injector) (*handlers.RealtimeHandler, error) {
	return handlers.NewRealtimeHandler(do.MustInvoke[*session.Manager](i)), nil
}

func (a *App) provideServer(i do.Injector) (*server.Server, error) {
	s := server.New(server.Options{
		SessionSecret: a.cfg.SessionSecret,
		AllowedOrigin: a.cfg.AllowedOrigin,
		SecureCookies: a.cfg.CookieSecure,
	}, server.Dependencies{
		Sessions: do.MustInvoke[*session.Manager](i),
		Accounts: do.MustInvoke[*auth.Client](i),
		Bridge:   do.MustInvoke[*websocket.Bridge](i),
		Realtime: do.MustInvoke[*handlers.RealtimeHandler](i),
	})
	s.RegisterRoutes()
	return s, nil
}
