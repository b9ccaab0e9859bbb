package broker

import (
	"context"
	"errors"
)

var (
	// ErrNacked is returned when the broker explicitly refuses a published message.
	ErrNacked = errors.New("broker nacked the message")
	// ErrChannelClosed is returned when the channel closes while waiting for a confirm.
	ErrChannelClosed = errors.New("broker channel closed")
	// ErrNotYetApplicable marks a handler failure that redelivery is expected to resolve.
	// Such messages are requeued on every attempt and never dead-lettered.
	ErrNotYetApplicable = errors.New("message not yet applicable")
)

// Message is one broker publish. Topic is the routing key for RabbitMQ and the topic id for Pub/Sub.
type Message struct {
	ID      string
	Type    string
	Topic   string
	Body    []byte
	Headers map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish returns nil only once the broker has acknowledged receipt.
	Publish(ctx context.Context, msg Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// Handler processes one delivery. A nil error acks the message, anything else nacks it.
type Handler func(ctx context.Context, body []byte) error

// MessageConsumer drives a Handler from a broker subscription until ctx is done.
type MessageConsumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Outcome is what a consumer does with a delivery after the handler ran.
type Outcome int

const (
	Ack Outcome = iota
	Requeue
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead-letter"
	}
	return "unknown"
}

// decide maps a handler result and the 1-based delivery attempt to an outcome.
// maxDeliveries <= 0 never dead-letters.
func decide(err error, attempt, maxDeliveries int) Outcome {
	if err == nil {
		return Ack
	}
	if errors.Is(err, ErrNotYetApplicable) {
		return Requeue
	}
	if maxDeliveries > 0 && attempt >= maxDeliveries {
		return DeadLetter
	}
	return Requeue
}
