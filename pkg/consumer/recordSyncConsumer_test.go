package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/broker"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/event"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/search"
)

const alias = "records"

func newEngine(t *testing.T) *search.MemoryEngine {
	t.Helper()
	engine := search.NewMemoryEngine()
	ctx := context.Background()
	require.NoError(t, engine.CreateIndex(ctx, "records_v2", search.IndexSettings(), search.DesiredMapping()))
	require.NoError(t, engine.PutAlias(ctx, "records_v2", alias))
	return engine
}

func message(t *testing.T, eventType event.Type, aggregateID string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	body, err := event.WireEvent{
		EventID:       "1",
		EventType:     eventType,
		AggregateType: event.AggregateRecord,
		AggregateID:   aggregateID,
		Payload:       raw,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}.Marshal()
	require.NoError(t, err)
	return body
}

func snapshot() event.RecordSnapshot {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return event.RecordSnapshot{
		RecordID:     42,
		PublicID:     "rec_42",
		UserID:       "user-1",
		Title:        "Han river picnic",
		Content:      "sunny",
		Tags:         []string{"picnic"},
		LocationName: "Yeouido",
		Location:     &event.GeoPoint{Lat: 37.52, Lon: 126.93},
		HasImages:    true,
		ThumbnailURL: "https://cdn.example.com/42.jpg",
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestHandle_CreatedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	c := NewRecordSyncConsumer(engine, alias, zap.NewNop())
	body := message(t, event.RecordCreated, "42", snapshot())

	require.NoError(t, c.Handle(ctx, body))
	first, err := engine.GetDocument(ctx, alias, "42")
	require.NoError(t, err)

	require.NoError(t, c.Handle(ctx, body))
	second, err := engine.GetDocument(ctx, alias, "42")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "Han river picnic", second["title"])
	assert.Equal(t, int64(42), second["recordId"])
	assert.Equal(t, "2026-01-02T03:04:05Z", second["createdAt"])
	assert.Equal(t, map[string]any{"lat": 37.52, "lon": 126.93}, second["location"])
}

func TestHandle_UpdateAppliesOnlyPresentFields(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	c := NewRecordSyncConsumer(engine, alias, zap.NewNop())
	require.NoError(t, c.Handle(ctx, message(t, event.RecordCreated, "42", snapshot())))

	require.NoError(t, c.Handle(ctx, message(t, event.RecordUpdated, "42", map[string]any{
		"title":            "Han river night picnic",
		"connectionsCount": 3,
	})))

	doc, err := engine.GetDocument(ctx, alias, "42")
	require.NoError(t, err)
	assert.Equal(t, "Han river night picnic", doc["title"])
	assert.Equal(t, 3, doc["connectionsCount"])
	assert.Equal(t, "sunny", doc["content"])
	assert.Equal(t, []string{"picnic"}, doc["tags"])
}

func TestHandle_FavoriteChanged(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	c := NewRecordSyncConsumer(engine, alias, zap.NewNop())
	require.NoError(t, c.Handle(ctx, message(t, event.RecordCreated, "42", snapshot())))

	require.NoError(t, c.Handle(ctx, message(t, event.RecordFavoriteChanged, "42", event.FavoriteChange{IsFavorite: true})))

	doc, err := engine.GetDocument(ctx, alias, "42")
	require.NoError(t, err)
	assert.Equal(t, true, doc["isFavorite"])
}

func TestHandle_UpdateBeforeCreateIsDocumentMissing(t *testing.T) {
	engine := newEngine(t)
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewRecordSyncConsumer(engine, alias, zap.New(core))

	err := c.Handle(context.Background(), message(t, event.RecordUpdated, "7", map[string]any{"title": "early"}))
	assert.ErrorIs(t, err, search.ErrDocumentMissing)
	assert.ErrorIs(t, err, broker.ErrNotYetApplicable)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())

	err = c.Handle(context.Background(), message(t, event.RecordFavoriteChanged, "7", event.FavoriteChange{IsFavorite: true}))
	assert.ErrorIs(t, err, search.ErrDocumentMissing)
}

func TestHandle_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewRecordSyncConsumer(engine, alias, zap.New(core))
	require.NoError(t, c.Handle(ctx, message(t, event.RecordCreated, "42", snapshot())))

	deletion := message(t, event.RecordDeleted, "42", struct{}{})
	require.NoError(t, c.Handle(ctx, deletion))
	_, err := engine.GetDocument(ctx, alias, "42")
	assert.ErrorIs(t, err, search.ErrDocumentMissing)

	require.NoError(t, c.Handle(ctx, deletion))
	assert.Equal(t, 1, logs.FilterMessage("Document already absent, delete ignored").FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestHandle_EmptyUpdate(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	c := NewRecordSyncConsumer(engine, alias, zap.NewNop())
	empty := message(t, event.RecordUpdated, "42", map[string]any{})

	err := c.Handle(ctx, empty)
	assert.ErrorIs(t, err, search.ErrDocumentMissing)
	assert.ErrorIs(t, err, broker.ErrNotYetApplicable)

	require.NoError(t, c.Handle(ctx, message(t, event.RecordCreated, "42", snapshot())))
	before, err := engine.GetDocument(ctx, alias, "42")
	require.NoError(t, err)

	require.NoError(t, c.Handle(ctx, empty))
	after, err := engine.GetDocument(ctx, alias, "42")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHandle_UpdateRedeliveredUntilCreateLands(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	c := NewRecordSyncConsumer(engine, alias, zap.NewNop())
	update := message(t, event.RecordUpdated, "7", map[string]any{"title": "new"})

	// far more redeliveries than any configured max_deliveries
	for attempt := 1; attempt <= 25; attempt++ {
		err := c.Handle(ctx, update)
		require.ErrorIs(t, err, broker.ErrNotYetApplicable, "attempt %d", attempt)
	}

	created := snapshot()
	created.RecordID = 7
	created.Title = "old"
	require.NoError(t, c.Handle(ctx, message(t, event.RecordCreated, "7", created)))
	require.NoError(t, c.Handle(ctx, update))

	doc, err := engine.GetDocument(ctx, alias, "7")
	require.NoError(t, err)
	assert.Equal(t, "new", doc["title"])
}

func TestHandle_NotificationBatchIgnored(t *testing.T) {
	engine := newEngine(t)
	c := NewRecordSyncConsumer(engine, alias, zap.NewNop())

	body := message(t, event.NotificationBatchSent, "5", event.NotificationBatch{BatchID: "b-1", UserIDs: []string{"u1"}})
	assert.NoError(t, c.Handle(context.Background(), body))
}

func TestHandle_Rejections(t *testing.T) {
	engine := newEngine(t)
	c := NewRecordSyncConsumer(engine, alias, zap.NewNop())
	ctx := context.Background()

	assert.ErrorIs(t, c.Handle(ctx, []byte("{not json")), event.ErrMalformedEvent)
	assert.ErrorIs(t, c.Handle(ctx, message(t, "RECORD_ARCHIVED", "42", struct{}{})), event.ErrUnknownEventType)
	assert.ErrorIs(t, c.Handle(ctx, message(t, event.RecordCreated, "42", nil)), event.ErrMalformedEvent)
}
