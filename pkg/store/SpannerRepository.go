package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/event"
	"google.golang.org/api/iterator"
)

type SpannerRepository struct {
	client *spanner.Client
}

func fetchPendingStatement(batchSize, maxRetries int) spanner.Statement {
	return spanner.Statement{
		SQL: `SELECT ` + outboxColumns + ` FROM outbox
              WHERE status IN UNNEST(@statuses) AND retry_count < @maxRetries
              ORDER BY created_at ASC
              LIMIT @batchSize`,
		Params: map[string]interface{}{
			"statuses":   []string{string(StatusPending), string(StatusRetry)},
			"maxRetries": int64(maxRetries),
			"batchSize":  int64(batchSize),
		},
	}
}

func listDeadStatement(limit int) spanner.Statement {
	return spanner.Statement{
		SQL: `SELECT ` + outboxColumns + ` FROM outbox
              WHERE status = @status
              ORDER BY processed_at DESC
              LIMIT @limit`,
		Params: map[string]interface{}{
			"status": string(StatusDead),
			"limit":  int64(limit),
		},
	}
}

func transitionStatement(eventID int64, status Status, incrementRetry bool) spanner.Statement {
	set := `status = @status`
	if incrementRetry {
		set += `, retry_count = retry_count + 1`
	}
	if status.Terminal() {
		set += `, processed_at = CURRENT_TIMESTAMP()`
	}
	return spanner.Statement{
		SQL: `UPDATE outbox SET ` + set + ` WHERE id = @id AND status IN UNNEST(@from)`,
		Params: map[string]interface{}{
			"status": string(status),
			"id":     eventID,
			"from":   []string{string(StatusPending), string(StatusRetry)},
		},
	}
}

func (s *SpannerRepository) FetchPending(ctx context.Context, batchSize, maxRetries int) ([]OutboxEvent, error) {
	return s.query(ctx, "FetchPending", fetchPendingStatement(batchSize, maxRetries))
}

func (s *SpannerRepository) ListDead(ctx context.Context, limit int) ([]OutboxEvent, error) {
	return s.query(ctx, "ListDead", listDeadStatement(limit))
}

func (s *SpannerRepository) MarkProcessed(ctx context.Context, eventID int64) error {
	return s.update(ctx, "MarkProcessed", eventID, transitionStatement(eventID, StatusDone, false))
}

func (s *SpannerRepository) SetStatusAndIncrementRetry(ctx context.Context, eventID int64, status Status) error {
	return s.update(ctx, "SetStatusAndIncrementRetry", eventID, transitionStatement(eventID, status, true))
}

func (s *SpannerRepository) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (s *SpannerRepository) update(ctx context.Context, spanName string, eventID int64, stmt spanner.Statement) error {
	ctx, span := startSpan(ctx, spanName)
	defer span.End()

	start := time.Now()
	var count int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var err error
		count, err = txn.Update(ctx, stmt)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", spanName, err)
	}
	addDBStatsToSpan(span, "spanner", stmt.SQL, int(count), time.Since(start))
	if count == 0 {
		return fmt.Errorf("%s: event %d: %w", spanName, eventID, ErrNoTransition)
	}
	return nil
}

func (s *SpannerRepository) query(ctx context.Context, spanName string, stmt spanner.Statement) ([]OutboxEvent, error) {
	ctx, span := startSpan(ctx, spanName)
	defer span.End()

	start := time.Now()
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []OutboxEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%s: %w", spanName, err)
		}

		var (
			e                                OutboxEvent
			aggregateType, eventType, status string
			payload                          string
			retryCount                       int64
			processedAt                      spanner.NullTime
		)
		if err := row.Columns(&e.ID, &aggregateType, &e.AggregateID, &eventType, &payload,
			&status, &retryCount, &e.CreatedAt, &processedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%s: %w", spanName, err)
		}
		e.AggregateType = event.AggregateType(aggregateType)
		e.EventType = event.Type(eventType)
		e.Status = Status(status)
		e.Payload = []byte(payload)
		e.RetryCount = int(retryCount)
		if processedAt.Valid {
			t := processedAt.Time
			e.ProcessedAt = &t
		}
		events = append(events, e)
	}

	addDBStatsToSpan(span, "spanner", stmt.SQL, len(events), time.Since(start))
	return events, nil
}
