package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/boardboard/internal/auth"
	"github.com/nfrund/boardboard/internal/middleware"
	"github.com/nfrund/boardboard/internal/realtime"
	"github.com/nfrund/boardboard/internal/session"
)

// Accounts is the subset of the auth client used by the handlers.
type Accounts interface {
	SignUp(ctx context.Context, username, email, password string) (*auth.SignUpResult, error)
	GetUser(ctx context.Context, accessToken string) (*auth.User, error)
	AdminDeleteUser(ctx context.Context, userID string) error
}

// Sessions is the subset of the session manager used by the handlers.
type Sessions interface {
	Login(ctx context.Context, id, email, password string) (*auth.Session, error)
	Authenticate(ctx context.Context, s *session.Session, as *auth.Session) error
	Logout(ctx context.Context, id string) error
}

// Disconnector closes the browser connections of a session.
type Disconnector interface {
	Disconnect(ctx context.Context, sessionID string) error
}

// AuthHandler handles sign-up, login and logout.
type AuthHandler struct {
	accounts Accounts
	sessions Sessions
	sockets  Disconnector
}

// NewAuthHandler creates a new AuthHandler. sockets may be nil.
func NewAuthHandler(accounts Accounts, sessions Sessions, sockets Disconnector) *AuthHandler {
	return &AuthHandler{accounts: accounts, sessions: sessions, sockets: sockets}
}

// SignUp handles POST /auth/signup. The session is signed in right away
// unless the account still needs email confirmation.
func (h *AuthHandler) SignUp(c echo.Context) error {
	var req SignUpRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	s, ok := middleware.CurrentSession(c)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "no session")
	}

	ctx := c.Request().Context()
	res, err := h.accounts.SignUp(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		return authError(c, err)
	}
	signedIn := false
	if res.Session != nil {
		if err := h.sessions.Authenticate(ctx, s, res.Session); err != nil {
			middleware.FromContext(ctx).Warn("account created but sign-in failed", "session_id", s.ID, "error", err)
		} else {
			signedIn = true
		}
	}

	return c.JSON(http.StatusCreated, SignUpResponse{
		User:     newUserResponse(auth.IdentityFromUser(res.User), s.Profile()),
		SignedIn: signedIn,
	})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c echo.Context) error {
	var req LoginRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	s, ok := middleware.CurrentSession(c)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "no session")
	}

	as, err := h.sessions.Login(c.Request().Context(), s.ID, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return errorJSON(c, http.StatusUnauthorized, "session_expired", "Session expired, please reload")
		}
		return authError(c, err)
	}
	ident, _ := s.Identity()
	if ident.ID == "" {
		ident = auth.IdentityFromUser(as.User)
	}
	return c.JSON(http.StatusOK, newUserResponse(ident, s.Profile()))
}

// Logout handles POST /auth/logout. Open websockets of the session are
// closed so they reconnect anonymously.
func (h *AuthHandler) Logout(c echo.Context) error {
	s, ok := middleware.CurrentSession(c)
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	ctx := c.Request().Context()
	if err := h.sessions.Logout(ctx, s.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	if h.sockets != nil {
		if err := h.sockets.Disconnect(ctx, s.ID); err != nil {
			middleware.FromContext(ctx).Warn("failed to close websockets on logout", "session_id", s.ID, "error", err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// Me handles GET /auth/me. It must run behind middleware.RequireAuth.
func (h *AuthHandler) Me(c echo.Context) error {
	s, _ := middleware.CurrentSession(c)
	ident := c.Get(middleware.UserContextKey).(realtime.Identity)
	return c.JSON(http.StatusOK, newUserResponse(ident, s.Profile()))
}
