package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ShutdownTimeout bounds the graceful shutdown of in-flight requests.
const ShutdownTimeout = 10 * time.Second

// Start serves HTTP on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := s.E.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	slog.Info("shutting down http server")
	if err := s.E.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
