package processor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/broker"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/event"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/lock"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/store"
)

// memoryRepo applies the same filters and guards as the SQL repositories.
type memoryRepo struct {
	mu          sync.Mutex
	rows        map[int64]*store.OutboxEvent
	fetchErr    error
	markErr     error
	fetchCalls  int
	lastFetched []int64
}

func newMemoryRepo(rows ...store.OutboxEvent) *memoryRepo {
	r := &memoryRepo{rows: make(map[int64]*store.OutboxEvent)}
	for i := range rows {
		row := rows[i]
		r.rows[row.ID] = &row
	}
	return r
}

func (r *memoryRepo) FetchPending(_ context.Context, batchSize, maxRetries int) ([]store.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchCalls++
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	var out []store.OutboxEvent
	for _, row := range r.rows {
		if (row.Status == store.StatusPending || row.Status == store.StatusRetry) && row.RetryCount < maxRetries {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	r.lastFetched = r.lastFetched[:0]
	for _, e := range out {
		r.lastFetched = append(r.lastFetched, e.ID)
	}
	return out, nil
}

func (r *memoryRepo) MarkProcessed(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	row, ok := r.rows[id]
	if !ok || row.Status.Terminal() {
		return store.ErrNoTransition
	}
	now := time.Now()
	row.Status = store.StatusDone
	row.ProcessedAt = &now
	return nil
}

func (r *memoryRepo) SetStatusAndIncrementRetry(_ context.Context, id int64, status store.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status.Terminal() {
		return store.ErrNoTransition
	}
	row.Status = status
	row.RetryCount++
	if status.Terminal() {
		now := time.Now()
		row.ProcessedAt = &now
	}
	return nil
}

func (r *memoryRepo) ListDead(context.Context, int) ([]store.OutboxEvent, error) { return nil, nil }
func (r *memoryRepo) Close(context.Context) error                                { return nil }

func (r *memoryRepo) row(id int64) store.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

type fakeBroker struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, msg broker.Message) error
	sent      []broker.Message
}

func (b *fakeBroker) Publish(ctx context.Context, msg broker.Message) error {
	err := b.publishFn(ctx, msg)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return err
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) calls() []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.sent...)
}

func acceptAll(context.Context, broker.Message) error { return nil }

func timeoutAlways(ctx context.Context, _ broker.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeLocker struct {
	lockErr  error
	locked   int
	unlocked int
}

func (l *fakeLocker) Lock(context.Context, time.Duration) error {
	if l.lockErr != nil {
		return l.lockErr
	}
	l.locked++
	return nil
}

func (l *fakeLocker) Unlock(context.Context) error {
	l.unlocked++
	return nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		BatchSize:      100,
		MaxRetries:     5,
		PublishTimeout: 10 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
}

func pendingRow(id int64, created time.Time) store.OutboxEvent {
	return store.OutboxEvent{
		ID:            id,
		AggregateType: event.AggregateRecord,
		AggregateID:   id * 10,
		EventType:     event.RecordCreated,
		Payload:       []byte(`{"title":"t"}`),
		Status:        store.StatusPending,
		CreatedAt:     created,
	}
}

func TestPublishPendingEvents_Success(t *testing.T) {
	repo := newMemoryRepo(pendingRow(1, time.Now()))
	b := &fakeBroker{publishFn: acceptAll}
	p := NewOutboxProcessor(repo, b, testSettings(), zap.NewNop())

	result, err := p.PublishPendingEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Fetched: 1, Published: 1}, result)

	row := repo.row(1)
	assert.Equal(t, store.StatusDone, row.Status)
	assert.NotNil(t, row.ProcessedAt)
	assert.Equal(t, 0, row.RetryCount)

	sent := b.calls()
	require.Len(t, sent, 1)
	assert.Equal(t, "record-sync", sent[0].Topic)
	assert.Equal(t, "1", sent[0].ID)
	assert.Equal(t, "10", sent[0].Headers["aggregateId"])

	w, err := event.Parse(sent[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "1", w.EventID)
	assert.Equal(t, "10", w.AggregateID)
	assert.Equal(t, event.RecordCreated, w.EventType)
}

func TestPublishPendingEvents_TimeoutsLeadToDead(t *testing.T) {
	repo := newMemoryRepo(pendingRow(1, time.Now()))
	b := &fakeBroker{publishFn: timeoutAlways}
	core, logs := observer.New(zapcore.DebugLevel)
	p := NewOutboxProcessor(repo, b, testSettings(), zap.New(core))
	ctx := context.Background()

	for cycle := 1; cycle <= 5; cycle++ {
		_, err := p.PublishPendingEvents(ctx)
		require.NoError(t, err)

		row := repo.row(1)
		assert.Equal(t, cycle, row.RetryCount, "retry_count after cycle %d", cycle)
		if cycle < 5 {
			assert.Equal(t, store.StatusRetry, row.Status)
			assert.Nil(t, row.ProcessedAt)
		}
	}

	row := repo.row(1)
	assert.Equal(t, store.StatusDead, row.Status)
	assert.Equal(t, 5, row.RetryCount)
	assert.NotNil(t, row.ProcessedAt)

	// a DEAD row is never fetched again
	result, err := p.PublishPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Fetched)
	assert.Len(t, b.calls(), 5)
	assert.Equal(t, store.StatusDead, repo.row(1).Status)

	assert.Equal(t, 4, logs.FilterMessage("Publish failed, will retry").FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("Event dead-lettered after exhausting retries").FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestPublishPendingEvents_EventuallyDone(t *testing.T) {
	repo := newMemoryRepo(pendingRow(1, time.Now()))
	failures := 2
	b := &fakeBroker{publishFn: func(ctx context.Context, msg broker.Message) error {
		if failures > 0 {
			failures--
			return errors.New("connection refused")
		}
		return nil
	}}
	p := NewOutboxProcessor(repo, b, testSettings(), zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := p.PublishPendingEvents(context.Background())
		require.NoError(t, err)
	}

	row := repo.row(1)
	assert.Equal(t, store.StatusDone, row.Status)
	assert.Equal(t, 2, row.RetryCount)
}

func TestPublishPendingEvents_OrderAndBatch(t *testing.T) {
	base := time.Now()
	repo := newMemoryRepo(
		pendingRow(3, base.Add(2*time.Second)),
		pendingRow(1, base),
		pendingRow(2, base.Add(time.Second)),
	)
	b := &fakeBroker{publishFn: acceptAll}
	cfg := testSettings()
	cfg.BatchSize = 2
	p := NewOutboxProcessor(repo, b, cfg, zap.NewNop())

	result, err := p.PublishPendingEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Published)

	sent := b.calls()
	require.Len(t, sent, 2)
	assert.Equal(t, "1", sent[0].ID)
	assert.Equal(t, "2", sent[1].ID)
	assert.Equal(t, store.StatusPending, repo.row(3).Status)
}

func TestPublishPendingEvents_MarkFailureIsReported(t *testing.T) {
	repo := newMemoryRepo(pendingRow(1, time.Now()), pendingRow(2, time.Now().Add(time.Second)))
	repo.markErr = errors.New("db down")
	b := &fakeBroker{publishFn: acceptAll}
	p := NewOutboxProcessor(repo, b, testSettings(), zap.NewNop())

	result, err := p.PublishPendingEvents(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, result.Published)
	// both were still sent; the rows stay PENDING and are sent again next poll
	assert.Len(t, b.calls(), 2)
	assert.Equal(t, store.StatusPending, repo.row(1).Status)
}

func TestPublishPendingEvents_FetchError(t *testing.T) {
	repo := newMemoryRepo()
	repo.fetchErr = errors.New("db down")
	p := NewOutboxProcessor(repo, &fakeBroker{publishFn: acceptAll}, testSettings(), zap.NewNop())

	_, err := p.PublishPendingEvents(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestPublishPendingEvents_UnknownAggregateIsRetryable(t *testing.T) {
	row := pendingRow(1, time.Now())
	row.AggregateType = "USER"
	repo := newMemoryRepo(row)
	b := &fakeBroker{publishFn: acceptAll}
	p := NewOutboxProcessor(repo, b, testSettings(), zap.NewNop())

	result, err := p.PublishPendingEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Empty(t, b.calls())
	assert.Equal(t, store.StatusRetry, repo.row(1).Status)
}

func TestPublishPendingEvents_SingleFlight(t *testing.T) {
	repo := newMemoryRepo(pendingRow(1, time.Now()))
	started := make(chan struct{})
	release := make(chan struct{})
	b := &fakeBroker{publishFn: func(ctx context.Context, msg broker.Message) error {
		close(started)
		<-release
		return nil
	}}
	cfg := testSettings()
	cfg.PublishTimeout = time.Second
	p := NewOutboxProcessor(repo, b, cfg, zap.NewNop())

	done := make(chan RunResult)
	go func() {
		result, _ := p.PublishPendingEvents(context.Background())
		done <- result
	}()
	<-started

	overlapping, err := p.PublishPendingEvents(context.Background())
	assert.NoError(t, err)
	assert.True(t, overlapping.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Published)
	assert.Equal(t, 1, repo.fetchCalls)

	// the flag is cleared after the run
	next, err := p.PublishPendingEvents(context.Background())
	assert.NoError(t, err)
	assert.False(t, next.Skipped)
}

func TestPublishPendingEvents_DistributedLock(t *testing.T) {
	t.Run("held elsewhere skips the run", func(t *testing.T) {
		repo := newMemoryRepo(pendingRow(1, time.Now()))
		locker := &fakeLocker{lockErr: lock.ErrLockHeld}
		p := NewOutboxProcessor(repo, &fakeBroker{publishFn: acceptAll}, testSettings(), zap.NewNop(), WithLocker(locker))

		result, err := p.PublishPendingEvents(context.Background())
		assert.NoError(t, err)
		assert.True(t, result.Skipped)
		assert.Equal(t, 0, repo.fetchCalls)
	})

	t.Run("acquired and released", func(t *testing.T) {
		repo := newMemoryRepo(pendingRow(1, time.Now()))
		locker := &fakeLocker{}
		p := NewOutboxProcessor(repo, &fakeBroker{publishFn: acceptAll}, testSettings(), zap.NewNop(), WithLocker(locker))

		result, err := p.PublishPendingEvents(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, result.Published)
		assert.Equal(t, 1, locker.locked)
		assert.Equal(t, 1, locker.unlocked)
	})

	t.Run("lock backend failure", func(t *testing.T) {
		locker := &fakeLocker{lockErr: errors.New("redis unreachable")}
		p := NewOutboxProcessor(newMemoryRepo(), &fakeBroker{publishFn: acceptAll}, testSettings(), zap.NewNop(), WithLocker(locker))

		_, err := p.PublishPendingEvents(context.Background())
		assert.ErrorContains(t, err, "redis unreachable")
	})
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	repo := newMemoryRepo(pendingRow(1, time.Now()))
	b := &fakeBroker{publishFn: acceptAll}
	p := NewOutboxProcessor(repo, b, testSettings(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool { return repo.row(1).Status == store.StatusDone }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
