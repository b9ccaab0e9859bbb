package event

import "errors"

// AggregateType names the kind of entity an outbox row describes.
type AggregateType string

const (
	AggregateRecord       AggregateType = "RECORD"
	AggregateNotification AggregateType = "NOTIFICATION"
)

// Type is the eventType tag that selects the payload variant.
type Type string

const (
	RecordCreated         Type = "RECORD_CREATED"
	RecordUpdated         Type = "RECORD_UPDATED"
	RecordDeleted         Type = "RECORD_DELETED"
	RecordFavoriteChanged Type = "RECORD_FAVORITE_CHANGED"
	NotificationBatchSent Type = "NOTIFICATION_BATCH"
)

var (
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrUnknownAggregateType = errors.New("unknown aggregate type")
)

const (
	RecordSyncFamily        = "record-sync"
	NotificationBatchFamily = "notification-batch"
)

// RoutingKey returns the versionless topic an aggregate type is published on.
func RoutingKey(t AggregateType) (string, error) {
	switch t {
	case AggregateRecord:
		return RecordSyncFamily, nil
	case AggregateNotification:
		return NotificationBatchFamily, nil
	}
	return "", ErrUnknownAggregateType
}

// BindingPattern is the topic pattern a consumer of family binds with.
func BindingPattern(family string) string {
	return family + ".#"
}

// Aggregate returns the aggregate type an event type belongs to.
func (t Type) Aggregate() (AggregateType, error) {
	switch t {
	case RecordCreated, RecordUpdated, RecordDeleted, RecordFavoriteChanged:
		return AggregateRecord, nil
	case NotificationBatchSent:
		return AggregateNotification, nil
	}
	return "", ErrUnknownEventType
}
