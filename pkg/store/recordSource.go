package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

var columnName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresRecordSource reads the records table that outbox rows describe.
type PostgresRecordSource struct {
	db *sql.DB
}

func NewPostgresRecordSource(db *sql.DB) *PostgresRecordSource {
	return &PostgresRecordSource{db: db}
}

func (s *PostgresRecordSource) LoadFieldValues(ctx context.Context, column string, ids []int64) (map[int64]any, error) {
	if !columnName.MatchString(column) {
		return nil, fmt.Errorf("invalid column name %q", column)
	}
	values := make(map[int64]any, len(ids))
	if len(ids) == 0 {
		return values, nil
	}

	ctx, span := startSpan(ctx, "LoadFieldValues")
	defer span.End()

	start := time.Now()
	statement := fmt.Sprintf(`SELECT id, %s FROM records WHERE id = ANY($1)`, pq.QuoteIdentifier(column))
	rows, err := s.db.QueryContext(ctx, statement, pq.Array(ids))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			value any
		)
		if err := rows.Scan(&id, &value); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("load %s: %w", column, err)
		}
		values[id] = normalizeValue(value)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load %s: %w", column, err)
	}

	addDBStatsToSpan(span, "postgresql", statement, len(values), time.Since(start))
	return values, nil
}

// normalizeValue turns driver values into JSON friendly ones. Postgres arrays
// arrive as their text form and are decoded into string slices.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		if len(x) > 0 && x[0] == '{' {
			var arr pq.StringArray
			if err := arr.Scan(x); err == nil {
				return []string(arr)
			}
		}
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}
