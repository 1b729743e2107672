package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/boardboard/internal/middleware"
)

// AccountHandler manages the signed-in user's account.
type AccountHandler struct {
	accounts Accounts
	sessions Sessions
	sockets  Disconnector
}

// NewAccountHandler creates a new AccountHandler. sockets may be nil.
func NewAccountHandler(accounts Accounts, sessions Sessions, sockets Disconnector) *AccountHandler {
	return &AccountHandler{accounts: accounts, sessions: sessions, sockets: sockets}
}

// Delete handles DELETE /api/account. The user is resolved from the
// session's access token, never from the request body.
func (h *AccountHandler) Delete(c echo.Context) error {
	s, ok := middleware.CurrentSession(c)
	if !ok || s.AccessToken() == "" {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized", "Unauthorized")
	}
	ctx := c.Request().Context()
	log := middleware.FromContext(ctx)

	user, err := h.accounts.GetUser(ctx, s.AccessToken())
	if err != nil || user == nil || user.ID == "" {
		log.Warn("account deletion with invalid token", "session_id", s.ID, "error", err)
		return errorJSON(c, http.StatusUnauthorized, "unauthorized", "Unauthorized")
	}
	if err := h.accounts.AdminDeleteUser(ctx, user.ID); err != nil {
		log.Error("failed to delete user", "user_id", user.ID, "error", err)
		return errorJSON(c, http.StatusBadRequest, "delete_failed", err.Error())
	}
	log.Info("user deleted", "user_id", user.ID)

	if err := h.sessions.Logout(ctx, s.ID); err != nil {
		log.Warn("logout after deletion failed", "session_id", s.ID, "error", err)
	}
	if h.sockets != nil {
		if err := h.sockets.Disconnect(ctx, s.ID); err != nil {
			log.Warn("failed to close websockets after deletion", "session_id", s.ID, "error", err)
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
