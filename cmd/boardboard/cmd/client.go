package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/boardboard/internal/app"
	"github.com/nfrund/boardboard/internal/config"
	"github.com/nfrund/boardboard/internal/logging"
	"github.com/nfrund/boardboard/internal/pubsub"
	"github.com/nfrund/boardboard/internal/realtime"
	"github.com/nfrund/boardboard/internal/transport/phoenix"
)

const dialTimeout = 10 * time.Second

// cliLogger writes to stderr so command output stays machine readable.
func cliLogger() *slog.Logger {
	return logging.NewWithWriter(os.Stderr, os.Getenv("LOG_FORMAT"), envOr("LOG_LEVEL", "warn"))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openClient connects a realtime client over the configured transport. The
// access token, when set, authorizes private channels on phoenix.
func openClient(ctx context.Context, cfg *config.Config, token string, logger *slog.Logger) (*realtime.Client, func(), error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	var (
		transport realtime.Transport
		closeFn   func() error
	)
	if cfg.RealtimeTransport == config.TransportPhoenix {
		s, err := phoenix.New(app.PhoenixConfig(cfg, logger))
		if err != nil {
			return nil, nil, err
		}
		cctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		if err := s.Connect(cctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		if token != "" {
			s.SetAuth(token)
		}
		transport, closeFn = s, s.Close
	} else {
		b, err := app.DialBroker(ctx, cfg, noop.NewTracerProvider().Tracer("boardboard-cli"))
		if err != nil {
			return nil, nil, err
		}
		transport, closeFn = pubsub.NewTransport(b, b), b.Close
	}

	client := realtime.NewClient(transport, realtime.WithLogger(logger))
	cleanup := func() {
		cctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := client.Close(cctx); err != nil {
			logger.Warn("failed to close realtime client", "error", err)
		}
		if err := closeFn(); err != nil {
			logger.Warn("failed to close transport", "error", err)
		}
	}
	return client, cleanup, nil
}
