package server

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/boardboard/internal/handlers"
	"github.com/nfrund/boardboard/internal/middleware"
	appsession "github.com/nfrund/boardboard/internal/session"
	"github.com/nfrund/boardboard/internal/websocket"
)

// Options configures the HTTP surface.
type Options struct {
	SessionSecret string
	// AllowedOrigin enables CORS with credentials for one browser origin.
	AllowedOrigin string
	SecureCookies bool
}

// Dependencies are the services the routes are built from.
type Dependencies struct {
	Sessions *appsession.Manager
	Accounts handlers.Accounts
	Bridge   *websocket.Bridge
	Realtime *handlers.RealtimeHandler
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	E    *echo.Echo
	opts Options
	deps Dependencies
}

// New creates a new Server instance with its middleware stack. Call
// RegisterRoutes before serving.
func New(opts Options, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewValidator()
	setupErrorHandling(e)

	e.Use(echomw.RequestID())
	e.Use(middleware.Logger)
	e.Use(middleware.RequestLog())
	e.Use(echomw.Recover())
	if opts.AllowedOrigin != "" {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:     []string{opts.AllowedOrigin},
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowCredentials: true,
		}))
	}

	store := sessions.NewCookieStore([]byte(opts.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7, // 7 days
		HttpOnly: true,
		Secure:   opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	e.Use(session.Middleware(store))

	return &Server{E: e, opts: opts, deps: deps}
}

// setupErrorHandling logs unhandled errors with a stack trace. HTTP errors
// raised on purpose go through echo's default handler.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}
		middleware.FromContext(c.Request().Context()).Error("Internal Server Error (Unhandled)",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.Any("error", err),
			slog.String("stack_trace", string(debug.Stack())),
		)
		if c.Response().Committed {
			return
		}
		_ = c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Code:    "internal_error",
			Message: http.StatusText(http.StatusInternalServerError),
		})
	}
}
