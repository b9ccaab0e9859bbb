package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/broker"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/event"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/lock"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/logging"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/store"
)

// Locker guards a run across publisher instances.
type Locker interface {
	Lock(ctx context.Context, ttl time.Duration) error
	Unlock(ctx context.Context) error
}

// RunResult summarises one PublishPendingEvents call.
type RunResult struct {
	Skipped   bool
	Fetched   int
	Published int
	Retried   int
	Dead      int
}

// OutboxProcessor publishes pending outbox rows and records each outcome on the row.
type OutboxProcessor struct {
	repo           store.OutBoxRepository
	broker         broker.MessageBroker
	locker         Locker
	logger         *zap.Logger
	tracer         trace.Tracer
	batchSize      int
	maxRetries     int
	publishTimeout time.Duration
	pollInterval   time.Duration

	running atomic.Bool
}

type Option func(*OutboxProcessor)

// WithLocker makes every run acquire l first. Runs that find it held are skipped.
func WithLocker(l Locker) Option {
	return func(p *OutboxProcessor) { p.locker = l }
}

// NewOutboxProcessor creates a new instance of OutboxProcessor.
func NewOutboxProcessor(repo store.OutBoxRepository, broker broker.MessageBroker, cfg *config.Settings, logger *zap.Logger, opts ...Option) *OutboxProcessor {
	p := &OutboxProcessor{
		repo:           repo,
		broker:         broker,
		logger:         logger,
		tracer:         otel.Tracer("locus-sync/processor"),
		batchSize:      cfg.BatchSize,
		maxRetries:     cfg.MaxRetries,
		publishTimeout: cfg.PublishTimeout,
		pollInterval:   cfg.PollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls immediately and then on every tick until ctx is done.
func (p *OutboxProcessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.logger.Info("Outbox publisher started",
		zap.Duration("poll_interval", p.pollInterval),
		zap.Int("batch_size", p.batchSize),
		zap.Int("max_retries", p.maxRetries))

	for {
		if _, err := p.PublishPendingEvents(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Outbox publish run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox publisher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PublishPendingEvents runs one batch. An invocation that overlaps a run in progress
// returns immediately with Skipped set.
func (p *OutboxProcessor) PublishPendingEvents(ctx context.Context) (RunResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug("Outbox publish already running, skipping")
		return RunResult{Skipped: true}, nil
	}
	defer p.running.Store(false)

	if p.locker != nil {
		if err := p.locker.Lock(ctx, p.lockTTL()); err != nil {
			if errors.Is(err, lock.ErrLockHeld) {
				p.logger.Debug("Outbox publisher lock held by another instance, skipping")
				return RunResult{Skipped: true}, nil
			}
			return RunResult{}, fmt.Errorf("acquire publisher lock: %w", err)
		}
		defer func() {
			if err := p.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("Failed to release publisher lock", zap.Error(err))
			}
		}()
	}

	events, err := p.repo.FetchPending(ctx, p.batchSize, p.maxRetries)
	if err != nil {
		return RunResult{}, fmt.Errorf("fetch pending events: %w", err)
	}

	result := RunResult{Fetched: len(events)}
	var storeErrs []error
	for _, e := range events {
		if ctx.Err() != nil {
			break
		}
		if err := p.processEvent(ctx, e, &result); err != nil {
			storeErrs = append(storeErrs, err)
		}
	}

	if result.Fetched > 0 {
		p.logger.Info("Outbox publish run finished",
			zap.Int("fetched", result.Fetched),
			zap.Int("published", result.Published),
			zap.Int("retried", result.Retried),
			zap.Int("dead", result.Dead))
	}
	return result, errors.Join(storeErrs...)
}

// lockTTL covers a full batch of timed out publishes.
func (p *OutboxProcessor) lockTTL() time.Duration {
	return time.Duration(p.batchSize)*p.publishTimeout + p.pollInterval
}

// processEvent publishes one row and records the outcome. Only a failure to record
// the outcome is returned; the publish itself is never undone.
func (p *OutboxProcessor) processEvent(ctx context.Context, e store.OutboxEvent, result *RunResult) error {
	ctx, span := p.tracer.Start(ctx, "ProcessOutboxEvent", trace.WithAttributes(
		attribute.Int64("event.id", e.ID),
		attribute.String("event.type", string(e.EventType)),
		attribute.String("event.aggregate_type", string(e.AggregateType)),
		attribute.Int64("event.aggregate_id", e.AggregateID),
		attribute.String("event.status", string(e.Status)),
		attribute.Int("event.retry_count", e.RetryCount),
		attribute.String("event.created_at", e.CreatedAt.String()),
	))
	defer span.End()

	fields := []zap.Field{
		zap.Int64("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.Int64("aggregate_id", e.AggregateID),
	}

	if err := p.publish(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		next := store.FailureStatus(e.RetryCount, p.maxRetries)
		attempt := e.RetryCount + 1
		if storeErr := p.repo.SetStatusAndIncrementRetry(ctx, e.ID, next); storeErr != nil {
			logging.Error(ctx, p.logger, "Failed to record publish failure", append(fields, zap.Error(storeErr))...)
			return fmt.Errorf("record failure of event %d: %w", e.ID, storeErr)
		}

		if next == store.StatusDead {
			result.Dead++
			logging.Error(ctx, p.logger, "Event dead-lettered after exhausting retries",
				append(fields, zap.Int("attempt", attempt), zap.Int("max_retries", p.maxRetries), zap.Error(err))...)
		} else {
			result.Retried++
			logging.Warn(ctx, p.logger, "Publish failed, will retry",
				append(fields, zap.Int("attempt", attempt), zap.Int("max_retries", p.maxRetries), zap.Error(err))...)
		}
		return nil
	}

	result.Published++
	if err := p.repo.MarkProcessed(ctx, e.ID); err != nil {
		// the message is out; the next poll sends it again
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Error(ctx, p.logger, "Published event could not be marked DONE", append(fields, zap.Error(err))...)
		return fmt.Errorf("mark event %d processed: %w", e.ID, err)
	}
	logging.Debug(ctx, p.logger, "Event published", fields...)
	return nil
}

func (p *OutboxProcessor) publish(ctx context.Context, e store.OutboxEvent) error {
	topic, err := event.RoutingKey(e.AggregateType)
	if err != nil {
		return err
	}
	body, err := e.Wire().Marshal()
	if err != nil {
		return fmt.Errorf("encode wire event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	return p.broker.Publish(ctx, broker.Message{
		ID:    strconv.FormatInt(e.ID, 10),
		Type:  string(e.EventType),
		Topic: topic,
		Body:  body,
		Headers: map[string]string{
			"aggregateType": string(e.AggregateType),
			"aggregateId":   strconv.FormatInt(e.AggregateID, 10),
		},
	})
}
