package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

var retryableStatuses = bson.A{StatusPending, StatusRetry}

// Append inserts a PENDING row. Pass a mongo.SessionContext to make it part of the
// caller's transaction. Ids come from a counter document so they stay monotonic.
func (m *MongoRepository) Append(ctx context.Context, e *OutboxEvent) error {
	ctx, span := startSpan(ctx, "Append")
	defer span.End()

	start := time.Now()
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := m.client.Database(m.database).Collection(m.collection+"_seq").FindOneAndUpdate(ctx,
		bson.M{"_id": m.collection},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("append outbox event: next id: %w", err)
	}

	e.ID = counter.Seq
	e.Status = StatusPending
	e.RetryCount = 0
	if _, err := m.coll().InsertOne(ctx, e); err != nil {
		span.RecordError(err)
		return fmt.Errorf("append outbox event: %w", err)
	}

	addDBStatsToSpan(span, "mongodb", "Append", 1, time.Since(start))
	return nil
}

func (m *MongoRepository) FetchPending(ctx context.Context, batchSize, maxRetries int) ([]OutboxEvent, error) {
	filter := bson.M{
		"status":      bson.M{"$in": retryableStatuses},
		"retry_count": bson.M{"$lt": maxRetries},
	}
	opts := options.Find().SetLimit(int64(batchSize)).SetSort(bson.D{{Key: "created_at", Value: 1}})
	return m.find(ctx, "FetchPending", filter, opts)
}

func (m *MongoRepository) ListDead(ctx context.Context, limit int) ([]OutboxEvent, error) {
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "processed_at", Value: -1}})
	return m.find(ctx, "ListDead", bson.M{"status": StatusDead}, opts)
}

func (m *MongoRepository) MarkProcessed(ctx context.Context, eventID int64) error {
	update := bson.M{
		"$set": bson.M{
			"status":       StatusDone,
			"processed_at": time.Now().UTC(),
		},
	}
	return m.update(ctx, "MarkProcessed", eventID, update)
}

func (m *MongoRepository) SetStatusAndIncrementRetry(ctx context.Context, eventID int64, status Status) error {
	set := bson.M{"status": status}
	if processedAt := processedAtFor(status, time.Now().UTC()); processedAt != nil {
		set["processed_at"] = *processedAt
	}
	update := bson.M{
		"$set": set,
		"$inc": bson.M{"retry_count": 1},
	}
	return m.update(ctx, "SetStatusAndIncrementRetry", eventID, update)
}

func (m *MongoRepository) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Records reads backfill values from the records collection of the same database.
func (m *MongoRepository) Records() RecordSource {
	return &MongoRecordSource{coll: m.client.Database(m.database).Collection("records")}
}

func (m *MongoRepository) update(ctx context.Context, spanName string, eventID int64, update bson.M) error {
	ctx, span := startSpan(ctx, spanName)
	defer span.End()

	start := time.Now()
	filter := bson.M{"id": eventID, "status": bson.M{"$in": retryableStatuses}}
	res, err := m.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", spanName, err)
	}
	addDBStatsToSpan(span, "mongodb", spanName, int(res.ModifiedCount), time.Since(start))
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: event %d: %w", spanName, eventID, ErrNoTransition)
	}
	return nil
}

func (m *MongoRepository) find(ctx context.Context, spanName string, filter bson.M, opts *options.FindOptions) ([]OutboxEvent, error) {
	ctx, span := startSpan(ctx, spanName)
	defer span.End()

	start := time.Now()
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", spanName, err)
	}
	defer cursor.Close(ctx)

	var events []OutboxEvent
	for cursor.Next(ctx) {
		var e OutboxEvent
		if err := cursor.Decode(&e); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%s: %w", spanName, err)
		}
		events = append(events, e)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", spanName, err)
	}

	addDBStatsToSpan(span, "mongodb", spanName, len(events), time.Since(start))
	return events, nil
}

// MongoRecordSource reads {id, <field>} projections from a records collection.
type MongoRecordSource struct {
	coll *mongo.Collection
}

func (s *MongoRecordSource) LoadFieldValues(ctx context.Context, column string, ids []int64) (map[int64]any, error) {
	values := make(map[int64]any, len(ids))
	if len(ids) == 0 {
		return values, nil
	}

	ctx, span := startSpan(ctx, "LoadFieldValues")
	defer span.End()

	opts := options.Find().SetProjection(bson.M{"_id": 0, "id": 1, column: 1})
	cursor, err := s.coll.Find(ctx, bson.M{"id": bson.M{"$in": ids}}, opts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load %s: %w", column, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("load %s: %w", column, err)
		}
		id, ok := toInt64(doc["id"])
		if !ok {
			continue
		}
		values[id] = normalizeBSON(doc[column])
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load %s: %w", column, err)
	}
	return values, nil
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case float64:
		return int64(x), true
	}
	return 0, false
}

func normalizeBSON(v any) any {
	switch x := v.(type) {
	case bson.A:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeBSON(x[i])
		}
		return out
	case primitive.DateTime:
		return x.Time().UTC().Format(time.RFC3339Nano)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}
