package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// amqpChannel is the subset of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type connectionAdapter struct {
	*amqp.Connection
}

func (c connectionAdapter) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var dialAMQP = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return connectionAdapter{conn}, nil
}

// newConnection dials with exponential backoff until maxElapsed passes or ctx is done.
func newConnection(ctx context.Context, url string, maxElapsed time.Duration, logger *zap.Logger) (amqpConnection, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxElapsed

	var conn amqpConnection
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = dialAMQP(url)
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		logger.Warn("RabbitMQ dial failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()
	return conn, nil
}

// pooledChannel is a channel in publisher confirm mode.
type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
	confirms    chan amqp.Confirmation
}

func newPooledChannel(conn amqpConnection) (*pooledChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &pooledChannel{
		channel:     ch,
		notifyClose: ch.NotifyClose(make(chan *amqp.Error, 1)),
		confirms:    ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (p *pooledChannel) closed() bool {
	select {
	case <-p.notifyClose:
		return true
	default:
		return false
	}
}

func (r *rabbitMqBroker) connectAndInitialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := newConnection(ctx, r.settings.URL, r.dialTimeout, r.logger)
	if err != nil {
		return err
	}
	r.connection = connection

	// Channels from the previous connection are dead.
	r.drainPool()

	setup, err := connection.Channel()
	if err != nil {
		return err
	}
	defer setup.Close()
	if err := setup.ExchangeDeclare(r.settings.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", r.settings.Exchange, err)
	}

	for i := 0; i < r.settings.PoolSize; i++ {
		pc, err := newPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pc
	}

	r.logger.Info("RabbitMQ connection, exchange, and channel pool initialized",
		zap.String("exchange", r.settings.Exchange), zap.Int("pool_size", r.settings.PoolSize))
	return nil
}

func (r *rabbitMqBroker) drainPool() {
	for {
		select {
		case pc := <-r.channelPool:
			pc.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			lost := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if lost {
				r.logger.Info("Attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(context.Background()); err != nil {
					r.logger.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
				} else {
					r.logger.Info("Reconnected to RabbitMQ")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pc := <-r.channelPool:
			if pc.closed() {
				r.logger.Debug("Discarding closed channel")
				continue
			}
			return pc, nil
		default:
			r.mu.Lock()
			conn := r.connection
			r.mu.Unlock()
			if conn == nil || conn.IsClosed() {
				return nil, fmt.Errorf("RabbitMQ connection unavailable: %w", ErrChannelClosed)
			}
			return newPooledChannel(conn)
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pc *pooledChannel) {
	if pc.closed() {
		r.logger.Debug("Discarding closed channel")
		return
	}
	select {
	case r.channelPool <- pc:
	default:
		// pool is full
		pc.channel.Close()
	}
}

// discardChannel drops a channel whose confirm state is unknown.
func (r *rabbitMqBroker) discardChannel(pc *pooledChannel) {
	if err := pc.channel.Close(); err != nil {
		r.logger.Debug("Closing discarded channel failed", zap.Error(err))
	}
}
