package realtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"
)

// Event pairs an event name with the Go type of its payload.
type Event[T any] struct {
	name        string
	description string
	fields      []string
}

// NewEvent declares a typed event. The JSON field names of T are collected
// for the event catalog.
func NewEvent[T any](name, description string) Event[T] {
	return Event[T]{
		name:        name,
		description: description,
		fields:      jsonFields(reflect.TypeOf((*T)(nil)).Elem()),
	}
}

// Name returns the wire event name.
func (e Event[T]) Name() string { return e.name }

// Info describes the event for catalogs.
func (e Event[T]) Info() EventInfo {
	var zero T
	example, _ := json.Marshal(zero)
	return EventInfo{
		Name:        e.name,
		Description: e.description,
		Fields:      e.fields,
		Example:     string(example),
	}
}

// Send broadcasts payload on topic through c.
func (e Event[T]) Send(ctx context.Context, c *Client, topic string, payload T) (SendResult, error) {
	return c.SendToTopic(ctx, topic, e.name, payload)
}

// Decode unmarshals the payload of msg. Messages carrying a different event
// are rejected.
func (e Event[T]) Decode(msg Message) (T, error) {
	var v T
	if name := msg.Name(); name != e.name {
		return v, fmt.Errorf("realtime: decode %q: got event %q", e.name, name)
	}
	if err := msg.Decode(&v); err != nil {
		return v, fmt.Errorf("realtime: decode %q: %w", e.name, err)
	}
	return v, nil
}

func jsonFields(t reflect.Type) []string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = f.Name
		}
		fields = append(fields, name)
	}
	return fields
}
