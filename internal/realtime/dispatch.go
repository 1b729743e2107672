package realtime

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// dispatch routes one inbound message to the handlers registered on rec.
// Messages arriving after rec left the registry are dropped.
func (c *Client) dispatch(rec *channelRecord, msg Message) {
	if msg.Topic == "" {
		msg.Topic = rec.topic
	}
	event := msg.Name()

	c.mu.Lock()
	if c.channels[rec.topic] != rec {
		c.mu.Unlock()
		c.logger.Debug("dropping message for removed channel", "topic", rec.topic, "event", event)
		return
	}
	handlers := rec.resolve(event)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug("no handlers for message", "topic", rec.topic, "event", event)
		return
	}

	ctx, span := c.tracer.Start(context.Background(), "realtime.dispatch "+event,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", rec.topic),
			attribute.String("messaging.event", event),
			attribute.Int("messaging.handlers", len(handlers)),
		),
	)
	defer span.End()

	failed := 0
	for _, h := range handlers {
		if err := h.invoke(ctx, msg); err != nil {
			failed++
			span.RecordError(err)
			c.logger.Error("realtime handler err",
				"topic", rec.topic,
				"event", event,
				"handler", h.Name(),
				"error", err,
			)
		}
	}
	if failed > 0 {
		span.SetStatus(codes.Error, "handler failed")
	}
}
