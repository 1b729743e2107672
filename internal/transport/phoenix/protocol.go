// Package phoenix implements realtime.Transport over the Phoenix channels
// protocol (v1 JSON serializer) spoken by hosted Supabase Realtime.
package phoenix

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

const (
	wireTopicPrefix = "realtime:"
	phoenixTopic    = "phoenix"
	protocolVsn     = "1.0.0"

	eventJoin        = "phx_join"
	eventLeave       = "phx_leave"
	eventReply       = "phx_reply"
	eventError       = "phx_error"
	eventClose       = "phx_close"
	eventHeartbeat   = "heartbeat"
	eventBroadcast   = "broadcast"
	eventAccessToken = "access_token"

	statusOK = "ok"
)

var (
	// ErrPushTimeout is returned when the server does not reply in time.
	ErrPushTimeout = errors.New("phoenix: push timed out")
	// ErrNotConnected is returned when a push needs a live socket.
	ErrNotConnected = errors.New("phoenix: socket not connected")
	// ErrSocketClosed is returned after Close.
	ErrSocketClosed = errors.New("phoenix: socket closed")
)

// frame is one message on the wire.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ReplyError is a non-ok reply from the server.
type ReplyError struct {
	Event    string
	Status   string
	Response json.RawMessage
}

func (e *ReplyError) Error() string {
	if len(e.Response) > 0 {
		return fmt.Sprintf("phoenix: %s replied %s: %s", e.Event, e.Status, e.Response)
	}
	return fmt.Sprintf("phoenix: %s replied %s", e.Event, e.Status)
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
		Ack  bool `json:"ack"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	Private bool `json:"private"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

func newJoinPayload(token string, private bool) joinPayload {
	var p joinPayload
	p.Config.Broadcast.Ack = true
	p.Config.Private = private
	p.AccessToken = token
	return p
}

// broadcastPayload is the payload of broadcast frames in both directions.
type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type httpMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Private bool            `json:"private"`
}

type httpBroadcast struct {
	Messages []httpMessage `json:"messages"`
}
