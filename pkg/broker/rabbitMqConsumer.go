package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/event"
)

const deliveryCountHeader = "x-delivery-count"

type rabbitMqConsumer struct {
	url             string
	exchange        string
	deadLetter      string
	queue           string
	bindingKey      string
	concurrency     int
	maxDeliveries   int
	logger          *zap.Logger
	reconnectPolicy func() backoff.BackOff

	mu   sync.Mutex
	conn amqpConnection
}

func newRabbitMqConsumer(broker config.BrokerSettings, consumer config.ConsumerSettings, deadLetter string, logger *zap.Logger) *rabbitMqConsumer {
	return &rabbitMqConsumer{
		url:           broker.URL,
		exchange:      broker.Exchange,
		deadLetter:    deadLetter,
		queue:         consumer.Queue,
		bindingKey:    event.BindingPattern(event.RecordSyncFamily),
		concurrency:   consumer.Concurrency,
		maxDeliveries: consumer.MaxDeliveries,
		logger:        logger,
		reconnectPolicy: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.MaxInterval = 30 * time.Second
			policy.MaxElapsedTime = 0 // keep trying until ctx is done
			return policy
		},
	}
}

// queueArgs declares a quorum queue so the broker tracks x-delivery-count and
// dead-letters rejected messages to the DLX. The broker side delivery limit is
// disabled (quorum queues default to 20 since RabbitMQ 4.0); decide enforces maxDeliveries.
func (c *rabbitMqConsumer) queueArgs() amqp.Table {
	args := amqp.Table{
		"x-queue-type":     "quorum",
		"x-delivery-limit": int32(-1),
	}
	if c.deadLetter != "" {
		args["x-dead-letter-exchange"] = c.deadLetter
	}
	return args
}

func (c *rabbitMqConsumer) declareTopology(ch amqpChannel) error {
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.exchange, err)
	}
	if c.deadLetter != "" {
		if err := ch.ExchangeDeclare(c.deadLetter, "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange %s: %w", c.deadLetter, err)
		}
		deadQueue := c.queue + ".dead"
		if _, err := ch.QueueDeclare(deadQueue, true, false, false, false, amqp.Table{"x-queue-type": "quorum"}); err != nil {
			return fmt.Errorf("declare queue %s: %w", deadQueue, err)
		}
		if err := ch.QueueBind(deadQueue, "", c.deadLetter, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", deadQueue, err)
		}
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, c.queueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	if err := ch.QueueBind(c.queue, c.bindingKey, c.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", c.queue, err)
	}
	return ch.Qos(c.concurrency, 0, false)
}

// Consume processes deliveries with up to concurrency workers and reconnects
// with backoff whenever the delivery stream ends before ctx does.
func (c *rabbitMqConsumer) Consume(ctx context.Context, handler Handler) error {
	err := backoff.RetryNotify(func() error {
		err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("delivery stream closed")
		}
		return err
	}, backoff.WithContext(c.reconnectPolicy(), ctx), func(err error, wait time.Duration) {
		c.logger.Warn("RabbitMQ consumer disconnected, reconnecting", zap.Error(err), zap.Duration("wait", wait))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *rabbitMqConsumer) consumeOnce(ctx context.Context, handler Handler) error {
	conn, err := dialAMQP(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := c.declareTopology(ch); err != nil {
		return err
	}

	tag := "locus-sync-" + uuid.NewString()
	deliveries, err := ch.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info("Consuming", zap.String("queue", c.queue), zap.String("binding", c.bindingKey),
		zap.Int("concurrency", c.concurrency), zap.String("consumer_tag", tag))

	return c.serve(ctx, deliveries, handler)
}

// serve fans deliveries out to the worker pool. It returns when the stream closes or ctx ends.
func (c *rabbitMqConsumer) serve(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					c.handleDelivery(gctx, d, handler)
				}
			}
		})
	}
	return g.Wait()
}

func (c *rabbitMqConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	carrier := propagation.MapCarrier{}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingRabbitmqRoutingKeyKey.String(d.RoutingKey),
			semconv.MessagingMessageIDKey.String(d.MessageId),
		),
	)
	defer span.End()

	err := handler(ctx, d.Body)
	attempt := deliveryCount(d.Headers) + 1
	outcome := decide(err, attempt, c.maxDeliveries)

	fields := []zap.Field{
		zap.String("message_id", d.MessageId),
		zap.String("routing_key", d.RoutingKey),
		zap.Int("attempt", attempt),
	}
	var ackErr error
	switch outcome {
	case Ack:
		ackErr = d.Ack(false)
	case Requeue:
		span.RecordError(err)
		c.logger.Warn("Handler failed, requeueing", append(fields, zap.Error(err))...)
		ackErr = d.Nack(false, true)
	case DeadLetter:
		span.RecordError(err)
		c.logger.Error("Handler failed on final attempt, dead-lettering", append(fields, zap.Error(err))...)
		ackErr = d.Nack(false, false)
	}
	if ackErr != nil {
		c.logger.Error("Failed to settle delivery", append(fields, zap.Stringer("outcome", outcome), zap.Error(ackErr))...)
	}
}

// deliveryCount reads the number of earlier deliveries a quorum queue recorded.
func deliveryCount(headers amqp.Table) int {
	switch v := headers[deliveryCountHeader].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int16:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (c *rabbitMqConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
