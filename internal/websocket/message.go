package websocket

import (
	json "github.com/goccy/go-json"

	"github.com/nfrund/boardboard/internal/notifications"
)

// Outbound message types.
const (
	TypeToast   = "toast"
	TypeCommand = "command"
	TypePong    = "pong"
	TypeError   = "error"
)

// Inbound actions a browser may send.
const (
	ActionPing      = "ping"
	ActionBroadcast = "broadcast"
)

// Message is a frame written to the browser.
type Message struct {
	Type    string `json:"type"`
	Target  string `json:"target,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// MarshalJSON writes []byte payloads as strings instead of base64.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	msg := struct {
		alias
		Payload any `json:"payload,omitempty"`
	}{alias: alias(m), Payload: m.Payload}
	if b, ok := m.Payload.([]byte); ok {
		msg.Payload = string(b)
	}
	return json.Marshal(msg)
}

// Inbound is a frame read from the browser.
type Inbound struct {
	Action  string          `json:"action"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command asks the browser to do something.
type Command struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// Command names.
const (
	CmdReload         = "reload"
	CmdSessionExpired = "session_expired"
)

// NewToastMessage wraps a toast for the browser.
func NewToastMessage(t notifications.Toast) Message {
	return Message{Type: TypeToast, Payload: t}
}

// NewCommand builds a command message.
func NewCommand(name string, payload any) Message {
	return Message{Type: TypeCommand, Payload: Command{Name: name, Payload: payload}}
}

func newErrorMessage(msg string) Message {
	return Message{Type: TypeError, Payload: map[string]string{"message": msg}}
}
