package broker

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// pubSubConsumer receives from a subscription. Subscriptions only report a delivery
// attempt when they carry a dead-letter policy; without one every failure is nacked.
type pubSubConsumer struct {
	client        *pubsub.Client
	subscription  string
	deadLetter    string
	concurrency   int
	maxDeliveries int
	logger        *zap.Logger
}

func (c *pubSubConsumer) Consume(ctx context.Context, handler Handler) error {
	sub := c.client.Subscription(c.subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = c.concurrency
	sub.ReceiveSettings.NumGoroutines = 1

	c.logger.Info("Consuming", zap.String("subscription", c.subscription), zap.Int("concurrency", c.concurrency))
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		c.handleMessage(ctx, m, handler)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive %s: %w", c.subscription, err)
	}
	return nil
}

func (c *pubSubConsumer) handleMessage(ctx context.Context, m *pubsub.Message, handler Handler) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.Attributes))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingMessageIDKey.String(m.ID),
		),
	)
	defer span.End()

	err := handler(ctx, m.Data)
	attempt := 1
	if m.DeliveryAttempt != nil {
		attempt = *m.DeliveryAttempt
	}
	fields := []zap.Field{zap.String("message_id", m.ID), zap.Int("attempt", attempt)}

	switch decide(err, attempt, c.maxDeliveries) {
	case Ack:
		m.Ack()
	case Requeue:
		span.RecordError(err)
		c.logger.Warn("Handler failed, nacking", append(fields, zap.Error(err))...)
		m.Nack()
	case DeadLetter:
		span.RecordError(err)
		if c.deadLetter == "" {
			c.logger.Error("Handler failed on final attempt, leaving to subscription policy", append(fields, zap.Error(err))...)
			m.Nack()
			return
		}
		res := c.client.Topic(c.deadLetter).Publish(ctx, &pubsub.Message{Data: m.Data, Attributes: m.Attributes})
		if _, pubErr := res.Get(ctx); pubErr != nil {
			c.logger.Error("Dead-letter publish failed, nacking", append(fields, zap.Error(pubErr))...)
			m.Nack()
			return
		}
		c.logger.Error("Handler failed on final attempt, dead-lettered", append(fields, zap.String("topic", c.deadLetter), zap.Error(err))...)
		m.Ack()
	}
}

func (c *pubSubConsumer) Close() error {
	return c.client.Close()
}
