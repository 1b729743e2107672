package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// channelRecord is the registry entry for one topic.
type channelRecord struct {
	topic   string
	channel Channel
	// listening is set once the dispatch listener is attached to channel.
	listening bool
	// joined is set while a transport subscribe is issued or acknowledged.
	joined   bool
	handlers map[string]map[*Handler]struct{}
}

// resolve returns a snapshot of the handlers for event, falling back to the
// wildcard set when the event has no handlers.
func (r *channelRecord) resolve(event string) []*Handler {
	set := r.handlers[event]
	if len(set) == 0 {
		set = r.handlers[EventWildcard]
	}
	out := make([]*Handler, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// Client is the channel registry: the single source of truth mapping topics
// to channel records and their handlers.
type Client struct {
	transport Transport
	logger    *slog.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	channels map[string]*channelRecord
	closed   bool
}

// Option configures a Client or a Lifecycle.
type Option func(*options)

type options struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// WithLogger sets the logger used for dispatch failures and teardown errors.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTracer wraps dispatch and send in spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("boardboard/realtime"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewClient creates an empty registry on top of t.
func NewClient(t Transport, opts ...Option) *Client {
	o := newOptions(opts)
	return &Client{
		transport: t,
		logger:    o.logger.With("component", "realtime"),
		tracer:    o.tracer,
		channels:  make(map[string]*channelRecord),
	}
}

// getOrCreateLocked returns the record for topic, creating it when absent.
// c.mu must be held.
func (c *Client) getOrCreateLocked(topic string) (*channelRecord, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if rec, ok := c.channels[topic]; ok {
		return rec, nil
	}
	rec := &channelRecord{
		topic:    topic,
		channel:  c.transport.Channel(topic),
		handlers: make(map[string]map[*Handler]struct{}),
	}
	c.channels[topic] = rec
	return rec, nil
}

// markJoinLocked attaches the dispatch listener once and reports whether a
// transport subscribe must follow. c.mu must be held.
func (c *Client) markJoinLocked(rec *channelRecord) bool {
	if !rec.listening {
		rec.listening = true
		rec.channel.OnBroadcast(func(msg Message) {
			c.dispatch(rec, msg)
		})
	}
	if rec.joined {
		return false
	}
	rec.joined = true
	return true
}

// join issues the transport subscribe. On failure the joined flag is cleared
// so that a later Subscribe retries.
func (c *Client) join(ctx context.Context, rec *channelRecord) error {
	if err := rec.channel.Subscribe(ctx); err != nil {
		c.mu.Lock()
		if c.channels[rec.topic] == rec {
			rec.joined = false
		}
		c.mu.Unlock()
		return fmt.Errorf("realtime: subscribe %q: %w", rec.topic, err)
	}
	c.logger.Debug("channel subscribed", "topic", rec.topic)
	return nil
}

// Subscribe joins topic, creating its record when needed. Calling it again
// for a joined topic does nothing.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	rec, err := c.getOrCreateLocked(topic)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	needJoin := c.markJoinLocked(rec)
	c.mu.Unlock()

	if !needJoin {
		return nil
	}
	return c.join(ctx, rec)
}

// Unsubscribe drops the record for topic and leaves the channel. The record
// is removed even when the transport fails. Unknown topics are ignored.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	rec, ok := c.channels[topic]
	if ok {
		delete(c.channels, topic)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.teardown(ctx, rec)
}

func (c *Client) teardown(ctx context.Context, rec *channelRecord) error {
	var errs []error
	if err := rec.channel.Unsubscribe(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	if err := c.transport.RemoveChannel(ctx, rec.channel); err != nil {
		errs = append(errs, fmt.Errorf("remove channel: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("channel teardown failed", "topic", rec.topic, "error", err)
		return fmt.Errorf("realtime: teardown %q: %w", rec.topic, err)
	}
	c.logger.Debug("channel removed", "topic", rec.topic)
	return nil
}

// On registers h for event on topic and makes sure the topic is joined.
// Registering the same handler twice has no further effect. The handler
// stays registered when the subscribe fails.
func (c *Client) On(ctx context.Context, topic, event string, h *Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	c.mu.Lock()
	rec, err := c.getOrCreateLocked(topic)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	set, ok := rec.handlers[event]
	if !ok {
		set = make(map[*Handler]struct{})
		rec.handlers[event] = set
	}
	set[h] = struct{}{}
	needJoin := c.markJoinLocked(rec)
	c.mu.Unlock()

	if !needJoin {
		return nil
	}
	return c.join(ctx, rec)
}

// Off removes h from event on topic. A nil h removes every handler for the
// event. When the topic has no handlers left it is unsubscribed. Removing
// something that is not registered is a no-op.
func (c *Client) Off(ctx context.Context, topic, event string, h *Handler) error {
	c.mu.Lock()
	rec, ok := c.channels[topic]
	if !ok {
		c.mu.Unlock()
		return nil
	}

	removed := false
	if set, ok := rec.handlers[event]; ok {
		if h == nil {
			delete(rec.handlers, event)
			removed = true
		} else if _, ok := set[h]; ok {
			delete(set, h)
			if len(set) == 0 {
				delete(rec.handlers, event)
			}
			removed = true
		}
	}

	if !removed || len(rec.handlers) > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.channels, topic)
	c.mu.Unlock()

	return c.teardown(ctx, rec)
}

// SendToTopic broadcasts event with payload on topic. The caller does not
// need to be subscribed. Payloads of type []byte or json.RawMessage are sent
// as is; anything else is marshaled to JSON. Transport errors are returned.
// Sending to an untracked topic does not track it: IsSubscribed stays false.
func (c *Client) SendToTopic(ctx context.Context, topic, event string, payload any) (SendResult, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return SendError, fmt.Errorf("realtime: encode %q payload: %w", event, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return SendError, ErrClosed
	}
	var ch Channel
	transient := false
	if rec, ok := c.channels[topic]; ok {
		ch = rec.channel
	} else {
		// Untracked topics get a throwaway channel so that sending never
		// leaves a handlerless record behind.
		ch = c.transport.Channel(topic)
		transient = true
	}
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "realtime.send "+event,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.event", event),
			attribute.Int("messaging.message_payload_size_bytes", len(data)),
		),
	)
	defer span.End()

	res, err := ch.Send(ctx, Broadcast{Type: TypeBroadcast, Event: event, Payload: data})
	if transient {
		if rmErr := c.transport.RemoveChannel(ctx, ch); rmErr != nil {
			c.logger.Warn("failed to release send channel", "topic", topic, "error", rmErr)
		}
	}
	span.SetAttributes(attribute.String("messaging.result", string(res)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("realtime: send %q on %q: %w", event, topic, err)
	}
	return res, nil
}

// IsSubscribed reports whether a record exists for topic.
func (c *Client) IsSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[topic]
	return ok
}

// Topics returns the tracked topics in lexical order.
func (c *Client) Topics() []string {
	c.mu.Lock()
	topics := make([]string, 0, len(c.channels))
	for t := range c.channels {
		topics = append(topics, t)
	}
	c.mu.Unlock()
	sort.Strings(topics)
	return topics
}

// Events returns the events with registered handlers on topic.
func (c *Client) Events(topic string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.channels[topic]
	if !ok {
		return nil
	}
	events := make([]string, 0, len(rec.handlers))
	for ev := range rec.handlers {
		events = append(events, ev)
	}
	sort.Strings(events)
	return events
}

// Reset tears down every channel and leaves the client usable.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	recs := make([]*channelRecord, 0, len(c.channels))
	for _, rec := range c.channels {
		recs = append(recs, rec)
	}
	c.channels = make(map[string]*channelRecord)
	c.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		if err := c.teardown(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close tears down every channel. Later calls other than the read-only
// accessors return ErrClosed.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.Reset(ctx)
}
