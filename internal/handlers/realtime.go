package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/boardboard/internal/middleware"
	"github.com/nfrund/boardboard/internal/realtime"
	"github.com/nfrund/boardboard/internal/session"
	"github.com/nfrund/boardboard/internal/websocket"
)

// SessionLookup finds a live session by id.
type SessionLookup interface {
	Get(id string) (*session.Session, bool)
}

// RealtimeHandler exposes the session's realtime client over HTTP and the
// websocket.
type RealtimeHandler struct {
	sessions SessionLookup
}

// NewRealtimeHandler creates a new RealtimeHandler.
func NewRealtimeHandler(sessions SessionLookup) *RealtimeHandler {
	return &RealtimeHandler{sessions: sessions}
}

// Topics handles GET /api/realtime/topics.
func (h *RealtimeHandler) Topics(c echo.Context) error {
	s, ok := middleware.CurrentSession(c)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "no session")
	}
	client := s.Client()
	resp := TopicsResponse{Topics: []TopicInfo{}}
	for _, topic := range client.Topics() {
		resp.Topics = append(resp.Topics, TopicInfo{Topic: topic, Events: client.Events(topic)})
	}
	return c.JSON(http.StatusOK, resp)
}

// Events handles GET /api/realtime/events.
func (h *RealtimeHandler) Events(c echo.Context) error {
	return c.JSON(http.StatusOK, realtime.Events())
}

// Broadcast handles POST /api/realtime/broadcast.
func (h *RealtimeHandler) Broadcast(c echo.Context) error {
	var req BroadcastRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	s, _ := middleware.CurrentSession(c)
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	return sendJSON(c, s.Client(), req.Topic, req.Event, payload)
}

// Inbound handles the broadcast action sent by a browser over the websocket.
func (h *RealtimeHandler) Inbound(ctx context.Context, sessionID string, in websocket.Inbound) error {
	if in.Action != websocket.ActionBroadcast {
		return fmt.Errorf("unsupported action %q", in.Action)
	}
	if in.Topic == "" || in.Event == "" {
		return errors.New("broadcast needs a topic and an event")
	}
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		return session.ErrNotFound
	}
	if _, ok := s.Identity(); !ok {
		return session.ErrAnonymous
	}
	var payload any
	if len(in.Payload) > 0 {
		payload = in.Payload
	}
	_, err := s.Client().SendToTopic(ctx, in.Topic, in.Event, payload)
	return err
}

func sendJSON(c echo.Context, client *realtime.Client, topic, event string, payload any) error {
	res, err := client.SendToTopic(c.Request().Context(), topic, event, payload)
	resp := SendResponse{Topic: topic, Event: event, Result: res}
	if err != nil {
		middleware.FromContext(c.Request().Context()).Warn("realtime send failed",
			"topic", topic, "event", event, "result", res, "error", err)
		return c.JSON(http.StatusBadGateway, resp)
	}
	if res != realtime.SendOK {
		return c.JSON(http.StatusGatewayTimeout, resp)
	}
	return c.JSON(http.StatusAccepted, resp)
}
