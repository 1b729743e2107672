package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/boardboard/internal/middleware"
	"github.com/nfrund/boardboard/internal/realtime"
)

// FriendsHandler notifies users about friend requests on their personal
// topic.
type FriendsHandler struct{}

// NewFriendsHandler creates a new FriendsHandler.
func NewFriendsHandler() *FriendsHandler {
	return &FriendsHandler{}
}

// Notify handles POST /api/friends/:id/notify. The caller is the sender;
// the recipient is the user named by :id.
func (h *FriendsHandler) Notify(c echo.Context) error {
	var req FriendNotifyRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	to := c.Param("id")
	if to == "" {
		return errorJSON(c, http.StatusBadRequest, "invalid_friend_code", "Invalid Friend Code!")
	}
	me := c.Get(middleware.UserContextKey).(realtime.Identity)
	if to == me.ID {
		return errorJSON(c, http.StatusBadRequest, "self_friend_request", msgSelfFriendRequest)
	}

	event := realtime.FriendRequest
	if req.Event == realtime.EventFriendAccepted {
		event = realtime.FriendAccepted
	}
	s, _ := middleware.CurrentSession(c)
	topic := realtime.PersonalTopic(to)
	payload := realtime.FriendPayload{From: me.ID, Username: me.Username}

	ctx := c.Request().Context()
	res, err := event.Send(ctx, s.Client(), topic, payload)
	resp := SendResponse{Topic: topic, Event: event.Name(), Result: res}
	if err != nil {
		middleware.FromContext(ctx).Warn("friend notification failed", "to", to, "event", event.Name(), "error", err)
		return c.JSON(http.StatusBadGateway, resp)
	}
	if res != realtime.SendOK {
		return c.JSON(http.StatusGatewayTimeout, resp)
	}
	return c.JSON(http.StatusAccepted, resp)
}
