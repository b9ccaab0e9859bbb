package broker

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	return newPubSubBroker(client, logger), nil
}

type pubSubBroker struct {
	client *pubsub.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newPubSubBroker(client *pubsub.Client, logger *zap.Logger) *pubSubBroker {
	return &pubSubBroker{client: client, logger: logger, topics: make(map[string]*pubsub.Topic)}
}

func (p *pubSubBroker) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[id]
	if !ok {
		t = p.client.Topic(id)
		p.topics[id] = t
	}
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, msg Message) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()

	attributes := make(map[string]string, len(msg.Headers)+4)
	for key, value := range msg.Headers {
		attributes[key] = value
	}
	// Inject the trace context into the message attributes
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
	attributes["eventId"] = msg.ID
	attributes["eventType"] = msg.Type

	res := p.topic(msg.Topic).Publish(ctx, &pubsub.Message{
		Data:       msg.Body,
		Attributes: attributes,
	})
	serverID, err := res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}

	span.SetAttributes(
		attribute.String("messaging.pubsub.server_id", serverID),
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)

	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
