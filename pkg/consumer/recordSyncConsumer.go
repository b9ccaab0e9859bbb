package consumer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/broker"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/event"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/logging"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/search"
)

// RecordSyncConsumer applies record events to the search index. Every apply is
// keyed by the aggregate id, so redelivered events leave the same document.
type RecordSyncConsumer struct {
	engine search.Engine
	alias  string
	logger *zap.Logger
	tracer trace.Tracer
}

func NewRecordSyncConsumer(engine search.Engine, alias string, logger *zap.Logger) *RecordSyncConsumer {
	return &RecordSyncConsumer{
		engine: engine,
		alias:  alias,
		logger: logger,
		tracer: otel.Tracer("locus-sync/consumer"),
	}
}

// Handle is a broker.Handler. A returned error leaves the message to the broker's redelivery.
func (c *RecordSyncConsumer) Handle(ctx context.Context, body []byte) error {
	w, err := event.Parse(body)
	if err != nil {
		logging.Error(ctx, c.logger, "Unreadable message", zap.Error(err))
		return err
	}

	ctx, span := c.tracer.Start(ctx, "ApplyEvent", trace.WithAttributes(
		attribute.String("event.id", w.EventID),
		attribute.String("event.type", string(w.EventType)),
		attribute.String("event.aggregate_id", w.AggregateID),
	))
	defer span.End()

	fields := []zap.Field{
		zap.String("event_id", w.EventID),
		zap.String("event_type", string(w.EventType)),
		zap.String("aggregate_id", w.AggregateID),
	}

	payload, err := w.Decode()
	if err == nil {
		err = c.apply(ctx, w.AggregateID, payload, fields)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, search.ErrDocumentMissing) {
			// update overtook its create; requeued until the create lands
			logging.Warn(ctx, c.logger, "Document not indexed yet, event will be redelivered", append(fields, zap.Error(err))...)
			return fmt.Errorf("%w: %w", broker.ErrNotYetApplicable, err)
		}
		logging.Error(ctx, c.logger, "Failed to apply event", append(fields, zap.Error(err))...)
		return err
	}
	logging.Debug(ctx, c.logger, "Event applied", fields...)
	return nil
}

func (c *RecordSyncConsumer) apply(ctx context.Context, id string, payload event.Payload, fields []zap.Field) error {
	switch p := payload.(type) {
	case event.RecordSnapshot:
		return c.engine.IndexDocument(ctx, c.alias, id, search.SnapshotDocument(p))

	case event.RecordPatch:
		update := p.Fields()
		if len(update) == 0 {
			logging.Debug(ctx, c.logger, "Update carries no searchable fields", fields...)
			_, err := c.engine.GetDocument(ctx, c.alias, id)
			return err
		}
		return c.engine.UpdateDocument(ctx, c.alias, id, search.Document(update))

	case event.FavoriteChange:
		return c.engine.UpdateDocument(ctx, c.alias, id, search.Document(p.Fields()))

	case event.Deletion:
		err := c.engine.DeleteDocument(ctx, c.alias, id)
		if errors.Is(err, search.ErrDocumentMissing) {
			logging.Warn(ctx, c.logger, "Document already absent, delete ignored", fields...)
			return nil
		}
		return err

	case event.NotificationBatch:
		logging.Debug(ctx, c.logger, "Ignoring notification batch", fields...)
		return nil
	}
	return fmt.Errorf("%w: %T", event.ErrUnknownEventType, payload)
}
