package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// WatermillBridge is the in-process broker built on watermill's GoChannel.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	tracer trace.Tracer
	logger *slog.Logger
}

const (
	// Metadata keys used to carry Message fields through watermill.
	metaKeyTopic = "topic"
	metaKeyEvent = "event"
)

// NewWatermillBridge creates an in-memory broker.
func NewWatermillBridge() *WatermillBridge {
	return NewWatermillBridgeWithTracer(noop.NewTracerProvider().Tracer(tracerName))
}

// NewWatermillBridgeWithTracer creates an in-memory broker whose publishes
// and deliveries are traced with tracer.
func NewWatermillBridgeWithTracer(tracer trace.Tracer) *WatermillBridge {
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermill.NewStdLogger(false, false),
	)

	return &WatermillBridge{
		pub:    NewPublisherTracingMiddleware(goChannel, tracer),
		sub:    goChannel,
		tracer: tracer,
		logger: slog.Default().With("component", "pubsub", "broker", "watermill"),
	}
}

func mapToWatermillMessage(msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)
	wmMsg.Metadata.Set(metaKeyEvent, msg.Event)
	return wmMsg
}

func mapToPubSubMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string, len(wmMsg.Metadata))
	for k, v := range wmMsg.Metadata {
		if k != metaKeyTopic && k != metaKeyEvent {
			metadata[k] = v
		}
	}
	return Message{
		Topic:    wmMsg.Metadata.Get(metaKeyTopic),
		Event:    wmMsg.Metadata.Get(metaKeyEvent),
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
}

// Publish implements the Publisher interface.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return ErrEmptyTopic
	}
	wmMsg := mapToWatermillMessage(msg)
	wmMsg.SetContext(ctx)
	return wb.pub.Publish(msg.Topic, wmMsg)
}

// Subscribe implements the Subscriber interface.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	process := TracingMiddleware(wb.tracer)(func(wmMsg *message.Message) ([]*message.Message, error) {
		return nil, handler(wmMsg.Context(), mapToPubSubMessage(wmMsg))
	})

	go func() {
		for wmMsg := range messages {
			if _, err := process(wmMsg); err != nil {
				wb.logger.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
			}
			// GoChannel redelivers nacked messages forever, so failures are
			// logged and acked.
			wmMsg.Ack()
		}
		wb.logger.Debug("Subscription message loop ended", "topic", topic)
	}()

	return nil
}

// Close shuts down the bridge and ends every subscription.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}
