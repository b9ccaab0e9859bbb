package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WireEvent is the broker message body. Identifiers are strings so that any
// consumer can read them without 64-bit integer loss.
type WireEvent struct {
	EventID       string          `json:"eventId"`
	EventType     Type            `json:"eventType"`
	AggregateType AggregateType   `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

var ErrMalformedEvent = errors.New("malformed wire event")

func (w WireEvent) Marshal() ([]byte, error) {
	if len(w.Payload) == 0 {
		w.Payload = json.RawMessage("{}")
	}
	return json.Marshal(w)
}

// Parse decodes a message body and checks the envelope fields.
func Parse(body []byte) (WireEvent, error) {
	var w WireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return WireEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.EventID == "" || w.AggregateID == "" || w.EventType == "" {
		return WireEvent{}, fmt.Errorf("%w: missing eventId, eventType or aggregateId", ErrMalformedEvent)
	}
	return w, nil
}

// Decode returns the typed payload selected by EventType.
func (w WireEvent) Decode() (Payload, error) {
	switch w.EventType {
	case RecordCreated:
		return decodeAs[RecordSnapshot](w)
	case RecordUpdated:
		return decodeAs[RecordPatch](w)
	case RecordFavoriteChanged:
		return decodeAs[FavoriteChange](w)
	case RecordDeleted:
		return Deletion{}, nil
	case NotificationBatchSent:
		return decodeAs[NotificationBatch](w)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, w.EventType)
}

func decodeAs[T Payload](w WireEvent) (Payload, error) {
	raw := bytes.TrimSpace(w.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: %s has no payload", ErrMalformedEvent, w.EventType)
	}
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, w.EventType, err)
	}
	return p, nil
}
