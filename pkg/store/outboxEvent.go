package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/event"
)

// Status represents the status of an outbox event.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRetry   Status = "RETRY"
	StatusDone    Status = "DONE"
	StatusDead    Status = "DEAD"
)

// Terminal reports whether the publisher will never touch a row in this status again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDead
}

// FailureStatus is the status a row moves to after one more failed publish.
func FailureStatus(retryCount, maxRetries int) Status {
	if retryCount+1 >= maxRetries {
		return StatusDead
	}
	return StatusRetry
}

// OutboxEvent represents a row of the outbox table.
type OutboxEvent struct {
	ID            int64               `json:"id" bson:"id"`
	AggregateType event.AggregateType `json:"aggregate_type" bson:"aggregate_type"`
	AggregateID   int64               `json:"aggregate_id" bson:"aggregate_id"`
	EventType     event.Type          `json:"event_type" bson:"event_type"`
	Payload       json.RawMessage     `json:"payload" bson:"payload"`
	Status        Status              `json:"status" bson:"status"`
	RetryCount    int                 `json:"retry_count" bson:"retry_count"`
	CreatedAt     time.Time           `json:"created_at" bson:"created_at"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
}

// NewEvent builds a PENDING row for a business mutation. The id is assigned on insert.
func NewEvent(aggregateID int64, payload event.Payload) (*OutboxEvent, error) {
	eventType := payload.EventType()
	aggregateType, err := eventType.Aggregate()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		Status:        StatusPending,
		RetryCount:    0,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Wire projects the row onto the broker message.
func (e OutboxEvent) Wire() event.WireEvent {
	return event.WireEvent{
		EventID:       strconv.FormatInt(e.ID, 10),
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   strconv.FormatInt(e.AggregateID, 10),
		Payload:       e.Payload,
		Timestamp:     e.CreatedAt,
	}
}
