package broker

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
	"go.uber.org/zap"
)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

// NewConsumer builds the subscriber side. deadLetter names the RabbitMQ dead-letter
// exchange or the Pub/Sub dead-letter topic.
func NewConsumer(ctx context.Context, cfg config.BrokerSettings, consumer config.ConsumerSettings, deadLetter string, logger *zap.Logger) (MessageConsumer, error) {
	switch cfg.Type {
	case "rabbitmq":
		return newRabbitMqConsumer(cfg, consumer, deadLetter, logger), nil
	case "gcp-pubsub":
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
		}
		subscription := consumer.Subscription
		if subscription == "" {
			subscription = consumer.Queue
		}
		return &pubSubConsumer{
			client:        client,
			subscription:  subscription,
			deadLetter:    deadLetter,
			concurrency:   consumer.Concurrency,
			maxDeliveries: consumer.MaxDeliveries,
			logger:        logger,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
