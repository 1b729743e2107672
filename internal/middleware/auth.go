package middleware

import (
	"context"
	"net/http"

	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"

	appsession "github.com/nfrund/boardboard/internal/session"
)

const (
	// CookieName names the cookie holding the session id.
	CookieName = "boardboard"
	// SessionContextKey stores the *appsession.Session on the echo context.
	SessionContextKey = "session"
	// UserContextKey stores the signed-in realtime.Identity.
	UserContextKey = "user"

	sessionIDKey = "sid"
)

// SessionStore is the subset of the session manager used by the middleware.
type SessionStore interface {
	Create(ctx context.Context) (*appsession.Session, error)
	Get(id string) (*appsession.Session, bool)
}

// Session loads the server-side session named by the cookie. Requests
// without a live session continue anonymously; only EnsureSession creates
// one. It must run after the echo-contrib session middleware.
func Session(store SessionStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := session.Get(CookieName, c)
			if cookie == nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "session store not configured").SetInternal(err)
			}
			if err != nil {
				FromContext(c.Request().Context()).Warn("discarding unreadable session cookie", "error", err)
			}

			if id, ok := cookie.Values[sessionIDKey].(string); ok {
				if s, ok := store.Get(id); ok {
					c.Set(SessionContextKey, s)
				}
			}
			return next(c)
		}
	}
}

// EnsureSession creates a session and sets its cookie when Session loaded
// none. It guards the routes that sign somebody in, behind their rate
// limiter.
func EnsureSession(store SessionStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := CurrentSession(c); ok {
				return next(c)
			}
			cookie, err := session.Get(CookieName, c)
			if cookie == nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "session store not configured").SetInternal(err)
			}

			s, err := store.Create(c.Request().Context())
			if err != nil {
				FromContext(c.Request().Context()).Error("failed to create session", "error", err)
				return echo.NewHTTPError(http.StatusServiceUnavailable, "session unavailable")
			}
			cookie.Values[sessionIDKey] = s.ID
			if err := cookie.Save(c.Request(), c.Response()); err != nil {
				FromContext(c.Request().Context()).Error("failed to save session cookie", "error", err)
			}
			c.Set(SessionContextKey, s)
			return next(c)
		}
	}
}

// CurrentSession returns the session loaded by Session.
func CurrentSession(c echo.Context) (*appsession.Session, bool) {
	s, ok := c.Get(SessionContextKey).(*appsession.Session)
	return s, ok && s != nil
}

// RequireAuth rejects requests whose session has nobody signed in.
func RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, ok := CurrentSession(c)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "no session")
		}
		ident, ok := s.Identity()
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
		}
		c.Set(UserContextKey, ident)
		return next(c)
	}
}

// SessionID resolves the websocket owner: the session id of a signed-in
// request.
func SessionID(c echo.Context) (string, bool) {
	s, ok := CurrentSession(c)
	if !ok {
		return "", false
	}
	if _, ok := s.Identity(); !ok {
		return "", false
	}
	return s.ID, true
}
