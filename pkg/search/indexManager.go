package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/store"
)

// FieldReport describes the backfill of one field.
type FieldReport struct {
	Missing    int64  `json:"missing"`
	Iterations int    `json:"iterations"`
	Batches    []int  `json:"batches,omitempty"`
	Updated    int    `json:"updated"`
	Skipped    int    `json:"skipped"`
	SkipReason string `json:"skipReason,omitempty"`
	Err        error  `json:"-"`
}

func (r FieldReport) MarshalJSON() ([]byte, error) {
	type plain FieldReport
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// BackfillReport is keyed by field name.
type BackfillReport map[string]*FieldReport

// Failed returns the fields whose backfill stopped on an error.
func (r BackfillReport) Failed() []string {
	var fields []string
	for name, f := range r {
		if f.Err != nil {
			fields = append(fields, name)
		}
	}
	return fields
}

// IndexManager bootstraps the record index, evolves its mapping and backfills new fields.
type IndexManager struct {
	engine    Engine
	source    store.RecordSource
	alias     string
	index     string
	batchSize int
	desired   Mapping
	logger    *zap.Logger
	tracer    trace.Tracer
}

type ManagerOption func(*IndexManager)

// WithDesiredMapping replaces DesiredMapping.
func WithDesiredMapping(m Mapping) ManagerOption {
	return func(im *IndexManager) { im.desired = m }
}

// NewIndexManager creates an IndexManager. source may be nil, in which case backfill skips every field.
func NewIndexManager(engine Engine, source store.RecordSource, cfg config.SearchSettings, logger *zap.Logger, opts ...ManagerOption) *IndexManager {
	im := &IndexManager{
		engine:    engine,
		source:    source,
		alias:     cfg.Alias,
		index:     cfg.Index,
		batchSize: cfg.BackfillBatchSize,
		desired:   DesiredMapping(),
		logger:    logger,
		tracer:    otel.Tracer("locus-sync/search"),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Run prepares the index at boot.
func (im *IndexManager) Run(ctx context.Context) (BackfillReport, error) {
	if err := im.EnsureIndexExists(ctx); err != nil {
		return nil, err
	}
	return im.HandleMappingChanges(ctx)
}

// EnsureIndexExists creates the versioned index when missing and points the alias at it.
func (im *IndexManager) EnsureIndexExists(ctx context.Context) error {
	ctx, span := im.tracer.Start(ctx, "EnsureIndexExists", trace.WithAttributes(
		attribute.String("search.index", im.index),
		attribute.String("search.alias", im.alias),
	))
	defer span.End()

	exists, err := im.engine.IndexExists(ctx, im.index)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !exists {
		if err := im.engine.CreateIndex(ctx, im.index, IndexSettings(), im.desired); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		im.logger.Info("Created search index", zap.String("index", im.index))
	}

	// repeated on every boot so a crash between create and alias heals
	if err := im.engine.PutAlias(ctx, im.index, im.alias); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// HandleMappingChanges adds desired fields missing from the live mapping and backfills them.
// Type changes of existing fields are only reported.
func (im *IndexManager) HandleMappingChanges(ctx context.Context) (BackfillReport, error) {
	ctx, span := im.tracer.Start(ctx, "HandleMappingChanges")
	defer span.End()

	live, err := im.engine.GetMapping(ctx, im.alias)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read live mapping: %w", err)
	}

	added, conflicts := diffMapping(live, im.desired)
	for _, name := range conflicts {
		im.logger.Warn("Field type changed, reindex required",
			zap.String("field", name),
			zap.String("live_type", live[name].Type),
			zap.String("desired_type", im.desired[name].Type))
	}
	if len(added) == 0 {
		im.logger.Debug("Search mapping up to date")
		return BackfillReport{}, nil
	}

	var applied []string
	for _, name := range added.Names() {
		if err := im.engine.PutMapping(ctx, im.alias, Mapping{name: added[name]}); err != nil {
			span.RecordError(err)
			im.logger.Error("Failed to add field to mapping", zap.String("field", name), zap.Error(err))
			continue
		}
		im.logger.Info("Added field to search mapping", zap.String("field", name), zap.String("type", added[name].Type))
		applied = append(applied, name)
	}
	span.SetAttributes(attribute.StringSlice("search.added_fields", applied))

	return im.BackfillFromDB(ctx, applied), nil
}

// BackfillFromDB fills fields on existing documents from the records table, one
// field at a time. A failing field is logged and does not stop the others.
func (im *IndexManager) BackfillFromDB(ctx context.Context, fields []string) BackfillReport {
	report := make(BackfillReport, len(fields))
	for _, field := range fields {
		r := &FieldReport{}
		report[field] = r

		column, ok := fieldColumns[field]
		switch {
		case IsComputed(field):
			r.SkipReason = "computed field"
		case !ok:
			r.SkipReason = "no source column"
		case im.source == nil:
			r.SkipReason = "no record source"
		}
		if r.SkipReason != "" {
			im.logger.Info("Skipping backfill", zap.String("field", field), zap.String("reason", r.SkipReason))
			continue
		}

		if err := im.backfillField(ctx, field, column, r); err != nil {
			r.Err = err
			im.logger.Error("Backfill failed", zap.String("field", field), zap.Int("updated", r.Updated), zap.Error(err))
			continue
		}
		if r.Missing > 0 {
			im.logger.Info("Backfill complete",
				zap.String("field", field),
				zap.Int("iterations", r.Iterations),
				zap.Int("updated", r.Updated),
				zap.Int("skipped", r.Skipped))
		}
	}
	return report
}

func (im *IndexManager) backfillField(ctx context.Context, field, column string, r *FieldReport) error {
	ctx, span := im.tracer.Start(ctx, "BackfillField", trace.WithAttributes(attribute.String("search.field", field)))
	defer span.End()

	missing, err := im.engine.CountMissing(ctx, im.alias, field)
	if err != nil {
		span.RecordError(err)
		return err
	}
	r.Missing = missing
	if missing == 0 {
		return nil
	}
	im.logger.Info("Backfilling field", zap.String("field", field), zap.Int64("missing", missing))

	fieldType := im.desired[field].Type
	var exclude []string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := im.engine.FindMissing(ctx, im.alias, field, exclude, im.batchSize)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if len(ids) == 0 {
			break
		}
		r.Iterations++
		r.Batches = append(r.Batches, len(ids))

		aggregateIDs := make([]int64, 0, len(ids))
		byAggregate := make(map[int64]string, len(ids))
		for _, id := range ids {
			aggregateID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				exclude = append(exclude, id)
				r.Skipped++
				continue
			}
			aggregateIDs = append(aggregateIDs, aggregateID)
			byAggregate[aggregateID] = id
		}

		values, err := im.source.LoadFieldValues(ctx, column, aggregateIDs)
		if err != nil {
			span.RecordError(err)
			return err
		}

		updates := make(map[string]Document, len(values))
		for _, aggregateID := range aggregateIDs {
			id := byAggregate[aggregateID]
			value, ok := values[aggregateID]
			if !ok {
				// document without a backing row
				exclude = append(exclude, id)
				r.Skipped++
				continue
			}
			if isEmpty(value) {
				value = zeroValue(fieldType)
			}
			if value == nil {
				exclude = append(exclude, id)
				r.Skipped++
				continue
			}
			updates[id] = Document{field: value}
		}
		if len(updates) == 0 {
			continue
		}

		failed, err := im.engine.BulkUpdate(ctx, im.alias, updates)
		if err != nil {
			span.RecordError(err)
			return err
		}
		exclude = append(exclude, failed...)
		r.Skipped += len(failed)
		r.Updated += len(updates) - len(failed)
	}

	span.SetAttributes(attribute.Int("search.backfill.iterations", r.Iterations), attribute.Int("search.backfill.updated", r.Updated))
	if r.Skipped > 0 {
		return nil
	}
	remaining, err := im.engine.CountMissing(ctx, im.alias, field)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return fmt.Errorf("%d documents still missing %s after backfill", remaining, field)
	}
	return nil
}

// isEmpty reports values the engine treats as a missing field.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []string:
		return len(x) == 0
	case []any:
		return len(x) == 0
	}
	return false
}
