package store

import (
	"context"
	"errors"
)

// ErrNoTransition is returned when a status update matches no PENDING or RETRY row.
var ErrNoTransition = errors.New("outbox row is missing or already terminal")

// OutBoxRepository defines the database operations for outbox events.
type OutBoxRepository interface {
	// FetchPending returns up to batchSize PENDING or RETRY rows with retry_count < maxRetries, oldest first.
	FetchPending(ctx context.Context, batchSize, maxRetries int) ([]OutboxEvent, error)
	// MarkProcessed moves a row to DONE and stamps processed_at.
	MarkProcessed(ctx context.Context, eventID int64) error
	// SetStatusAndIncrementRetry records one failed publish. processed_at is stamped when status is DEAD.
	SetStatusAndIncrementRetry(ctx context.Context, eventID int64, status Status) error
	// ListDead returns dead-lettered rows, most recent first.
	ListDead(ctx context.Context, limit int) ([]OutboxEvent, error)
	Close(ctx context.Context) error
}

// RecordSource loads single-column projections of the records table for backfill.
// A NULL column is returned as a nil value; ids without a row are absent from the map.
type RecordSource interface {
	LoadFieldValues(ctx context.Context, column string, ids []int64) (map[int64]any, error)
}
