package event

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "swapcron-notification-bus"

// startConsumerSpan continues the trace injected by the publisher.
func startConsumerSpan(msg *message.Message, topic string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "deliver_notification",
		trace.WithAttributes(
			attribute.String("messaging.system", "watermill"),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.message_id", msg.UUID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	msg.SetContext(ctx)
	return ctx, span
}

func TraceContextDecorator(pub message.Publisher) (message.Publisher, error) {
	return &traceContextPublisher{pub}, nil
}

type traceContextPublisher struct {
	message.Publisher
}

func (t *traceContextPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		otel.GetTextMapPropagator().Inject(msg.Context(), propagation.MapCarrier(msg.Metadata))
	}
	return t.Publisher.Publish(topic, messages...)
}
