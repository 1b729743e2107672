package pubsub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func messageAttributes(system, operation, topic, event, id string, size int) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("messaging.system", system),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.event", event),
		attribute.String("messaging.message_id", id),
		attribute.Int("messaging.message_payload_size_bytes", size),
	)
}

// TracingMiddleware wraps a watermill handler in a consumer span.
func TracingMiddleware(tracer trace.Tracer) func(message.HandlerFunc) message.HandlerFunc {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			topic := msg.Metadata.Get(metaKeyTopic)
			event := msg.Metadata.Get(metaKeyEvent)

			ctx, span := tracer.Start(msg.Context(), "pubsub.process "+topic,
				trace.WithSpanKind(trace.SpanKindConsumer),
				messageAttributes("watermill", "process", topic, event, msg.UUID, len(msg.Payload)),
			)
			defer span.End()
			msg.SetContext(ctx)

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetAttributes(attribute.Int("messaging.messages_produced", len(produced)))
			return produced, nil
		}
	}
}

// PublisherTracingMiddleware wraps a watermill publisher with producer spans.
type PublisherTracingMiddleware struct {
	publisher message.Publisher
	tracer    trace.Tracer
}

// NewPublisherTracingMiddleware creates a new publisher with tracing middleware
func NewPublisherTracingMiddleware(publisher message.Publisher, tracer trace.Tracer) *PublisherTracingMiddleware {
	return &PublisherTracingMiddleware{
		publisher: publisher,
		tracer:    tracer,
	}
}

// Publish starts one span per message and ends them once the underlying
// publish returns.
func (p *PublisherTracingMiddleware) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, 0, len(messages))
	for _, msg := range messages {
		ctx := msg.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		spanCtx, span := p.tracer.Start(ctx, "pubsub.publish "+topic,
			trace.WithSpanKind(trace.SpanKindProducer),
			messageAttributes("watermill", "publish", topic, msg.Metadata.Get(metaKeyEvent), msg.UUID, len(msg.Payload)),
		)
		msg.SetContext(spanCtx)
		spans = append(spans, span)
	}

	err := p.publisher.Publish(topic, messages...)
	for _, span := range spans {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return err
}

// Close closes the underlying publisher
func (p *PublisherTracingMiddleware) Close() error {
	return p.publisher.Close()
}
