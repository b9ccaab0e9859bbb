package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/event"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, created_at, processed_at`

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append inserts a PENDING row inside the caller's transaction, so the row commits
// or rolls back together with the business write.
func (p *PostgresRepository) Append(ctx context.Context, tx *sql.Tx, e *OutboxEvent) error {
	ctx, span := startSpan(ctx, "Append")
	defer span.End()

	start := time.Now()
	err := tx.QueryRowContext(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, status, retry_count, created_at)
         VALUES ($1, $2, $3, $4, $5, 0, $6) RETURNING id`,
		string(e.AggregateType), e.AggregateID, string(e.EventType), []byte(e.Payload), string(StatusPending), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("append outbox event: %w", err)
	}
	e.Status = StatusPending
	e.RetryCount = 0

	addDBStatsToSpan(span, "postgresql", "Append", 1, time.Since(start))
	return nil
}

func (p *PostgresRepository) FetchPending(ctx context.Context, batchSize, maxRetries int) ([]OutboxEvent, error) {
	return p.query(ctx, "FetchPending",
		`SELECT `+outboxColumns+` FROM outbox
         WHERE status IN ('PENDING', 'RETRY') AND retry_count < $1
         ORDER BY created_at ASC LIMIT $2`, maxRetries, batchSize)
}

func (p *PostgresRepository) ListDead(ctx context.Context, limit int) ([]OutboxEvent, error) {
	return p.query(ctx, "ListDead",
		`SELECT `+outboxColumns+` FROM outbox
         WHERE status = 'DEAD'
         ORDER BY processed_at DESC LIMIT $1`, limit)
}

func (p *PostgresRepository) MarkProcessed(ctx context.Context, eventID int64) error {
	return p.exec(ctx, "MarkProcessed",
		`UPDATE outbox SET status=$1, processed_at=$2 WHERE id=$3 AND status IN ('PENDING', 'RETRY')`,
		string(StatusDone), time.Now().UTC(), eventID)
}

func (p *PostgresRepository) SetStatusAndIncrementRetry(ctx context.Context, eventID int64, status Status) error {
	return p.exec(ctx, "SetStatusAndIncrementRetry",
		`UPDATE outbox SET status=$1, retry_count = retry_count + 1, processed_at=$2 WHERE id=$3 AND status IN ('PENDING', 'RETRY')`,
		string(status), processedAtFor(status, time.Now().UTC()), eventID)
}

func (p *PostgresRepository) Close(context.Context) error {
	return p.db.Close()
}

// Records exposes the backfill projection over the same connection pool.
func (p *PostgresRepository) Records() RecordSource {
	return NewPostgresRecordSource(p.db)
}

func (p *PostgresRepository) exec(ctx context.Context, spanName, statement string, args ...any) error {
	ctx, span := startSpan(ctx, spanName)
	defer span.End()

	start := time.Now()
	res, err := p.db.ExecContext(ctx, statement, args...)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", spanName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", spanName, err)
	}
	addDBStatsToSpan(span, "postgresql", spanName, int(n), time.Since(start))
	if n == 0 {
		return fmt.Errorf("%s: event %v: %w", spanName, args[len(args)-1], ErrNoTransition)
	}
	return nil
}

func (p *PostgresRepository) query(ctx context.Context, spanName, statement string, args ...any) ([]OutboxEvent, error) {
	ctx, span := startSpan(ctx, spanName)
	defer span.End()

	start := time.Now()
	rows, err := p.db.QueryContext(ctx, statement, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", spanName, err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%s: %w", spanName, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", spanName, err)
	}

	addDBStatsToSpan(span, "postgresql", spanName, len(events), time.Since(start))
	return events, nil
}

func scanEvent(rows *sql.Rows) (OutboxEvent, error) {
	var (
		e                                OutboxEvent
		aggregateType, eventType, status string
		payload                          []byte
		processedAt                      sql.NullTime
	)
	if err := rows.Scan(&e.ID, &aggregateType, &e.AggregateID, &eventType, &payload,
		&status, &e.RetryCount, &e.CreatedAt, &processedAt); err != nil {
		return OutboxEvent{}, err
	}
	e.AggregateType = event.AggregateType(aggregateType)
	e.EventType = event.Type(eventType)
	e.Status = Status(status)
	e.Payload = payload
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return e, nil
}
