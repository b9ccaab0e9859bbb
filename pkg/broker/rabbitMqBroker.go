package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
)

const tracerName = "locus-sync/broker"

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          logger,
		dialTimeout:     30 * time.Second,
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}

	if err := broker.connectAndInitialize(ctx); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	logger          *zap.Logger
	dialTimeout     time.Duration
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closeOnce       sync.Once
}

// Publish sends msg to the configured topic exchange and waits for the publisher confirm.
// If ctx ends first the channel is discarded, since a late confirm on it would be
// attributed to the next message.
func (r *rabbitMqBroker) Publish(ctx context.Context, msg Message) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.Topic),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()

	amqpHeaders := make(amqp.Table, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		amqpHeaders[k] = v
	}
	// Inject the trace context into the message headers
	traceHeaders := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	pc, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = pc.channel.Publish(
		r.settings.Exchange, msg.Topic, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    time.Now().UTC(),
			Body:         msg.Body,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		r.discardChannel(pc)
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}

	select {
	case confirm, ok := <-pc.confirms:
		if !ok {
			span.RecordError(ErrChannelClosed)
			return fmt.Errorf("publish %s: %w", msg.ID, ErrChannelClosed)
		}
		r.releaseChannel(pc)
		if !confirm.Ack {
			span.RecordError(ErrNacked)
			return fmt.Errorf("publish %s: %w", msg.ID, ErrNacked)
		}
	case <-ctx.Done():
		r.discardChannel(pc)
		span.RecordError(ctx.Err())
		return fmt.Errorf("publish %s: waiting for confirm: %w", msg.ID, ctx.Err())
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)

	return nil
}

func (r *rabbitMqBroker) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopReconnect)
		r.reconnectTicker.Stop()

		r.mu.Lock()
		defer r.mu.Unlock()
		r.drainPool()
		if r.connection != nil {
			err = r.connection.Close()
		}
	})
	return err
}
