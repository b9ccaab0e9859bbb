package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/broker"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/consumer"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/lock"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/processor"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/search"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/store"
)

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// publisher owns the outbox publisher and everything it holds open.
type publisher struct {
	processor *processor.OutboxProcessor
	closers   []func()
}

func (p *publisher) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func (a *syncApp) newPublisher(ctx context.Context, repo store.OutBoxRepository) (*publisher, error) {
	mb, err := broker.NewBroker(ctx, &a.cfg.Broker, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	p := &publisher{closers: []func(){func() {
		if err := mb.Close(); err != nil {
			a.logger.Warn("Failed to close broker", zap.Error(err))
		}
	}}}

	var opts []processor.Option
	if a.cfg.Lock.Enabled {
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Lock.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			p.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		p.closers = append(p.closers, func() { _ = client.Close() })
		opts = append(opts, processor.WithLocker(lock.NewRedisLocker(client, a.cfg.Lock.Key)))
	}

	p.processor = processor.NewOutboxProcessor(repo, mb, a.cfg, a.logger, opts...)
	return p, nil
}

func (a *syncApp) newIndexManager(repo store.OutBoxRepository) (*search.IndexManager, search.Engine, error) {
	engine, err := search.NewEngine(a.cfg.Search, a.logger)
	if err != nil {
		return nil, nil, err
	}

	var source store.RecordSource
	if s, err := store.RecordSourceFor(repo); err != nil {
		a.logger.Warn("Backfill disabled", zap.Error(err))
	} else {
		source = s
	}
	return search.NewIndexManager(engine, source, a.cfg.Search, a.logger), engine, nil
}

// prepareIndex runs the boot time index bootstrap. Failed field backfills are logged, not fatal.
func (a *syncApp) prepareIndex(ctx context.Context, im *search.IndexManager) error {
	report, err := im.Run(ctx)
	if err != nil {
		return fmt.Errorf("prepare search index: %w", err)
	}
	if failed := report.Failed(); len(failed) > 0 {
		a.logger.Error("Backfill incomplete", zap.Strings("fields", failed))
	}
	return nil
}

func (a *syncApp) newSyncConsumer(ctx context.Context, engine search.Engine) (broker.MessageConsumer, *consumer.RecordSyncConsumer, error) {
	mc, err := broker.NewConsumer(ctx, a.cfg.Broker, a.cfg.Consumer, a.cfg.DeadLetterTopic, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create consumer: %w", err)
	}
	return mc, consumer.NewRecordSyncConsumer(engine, a.cfg.Search.Alias, a.logger), nil
}

func (a *syncApp) openRepository(ctx context.Context) (store.OutBoxRepository, func(), error) {
	repo, err := store.NewRepository(ctx, a.cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open outbox store: %w", err)
	}
	return repo, func() {
		if err := repo.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Failed to close outbox store", zap.Error(err))
		}
	}, nil
}
