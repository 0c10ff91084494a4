package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/common/lock"
	"github.com/kyungseok/payment-reconciliation/common/logger"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/metrics"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/repository"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/service"
)

type fakeReconciler struct {
	chunkSize int
	delay     time.Duration
	results   map[int64]service.Outcome
	failures  map[int64]error
	panics    map[int64]bool

	mu          sync.Mutex
	order       []int64
	inFlight    int32
	maxInFlight int32
	finished    int32
	violations  int32
}

func (f *fakeReconciler) ReconcileOrder(ctx context.Context, orderID int64) (service.Outcome, error) {
	f.mu.Lock()
	position := len(f.order)
	f.order = append(f.order, orderID)
	f.mu.Unlock()

	// 이전 청크가 모두 끝난 뒤에만 시작해야 한다
	if f.chunkSize > 0 && int(atomic.LoadInt32(&f.finished)) < (position/f.chunkSize)*f.chunkSize {
		atomic.AddInt32(&f.violations, 1)
	}

	current := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, current) {
			break
		}
	}
	defer func() {
		atomic.AddInt32(&f.inFlight, -1)
		atomic.AddInt32(&f.finished, 1)
	}()

	time.Sleep(f.delay)

	if f.panics[orderID] {
		panic("boom")
	}
	if err := f.failures[orderID]; err != nil {
		return service.OutcomeNone, err
	}
	if outcome, ok := f.results[orderID]; ok {
		return outcome, nil
	}
	return service.OutcomePaid, nil
}

func staticFinder(ids ...int64) StaleOrderFinder {
	return func(context.Context, time.Time, int) ([]int64, error) {
		return ids, nil
	}
}

func newTestScheduler(cfg SchedulerConfig, reconciler OrderReconciler, locker lock.Locker, finders ...StaleOrderFinder) *ReconciliationScheduler {
	return NewReconciliationScheduler(cfg, reconciler, finders, locker, metrics.NewNop(), logger.NewTestLogger())
}

func defaultConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:       time.Minute,
		StaleThreshold: 10 * time.Minute,
		ChunkSize:      3,
		BatchLimit:     200,
		LeaseTTL:       time.Minute,
	}
}

func TestScheduler_BoundedFanOutPerChunk(t *testing.T) {
	reconciler := &fakeReconciler{chunkSize: 3, delay: 20 * time.Millisecond}
	scheduler := newTestScheduler(defaultConfig(), reconciler, nil, staticFinder(1, 2, 3, 4, 5, 6, 7))

	result, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, result.Scanned)
	assert.Equal(t, 7, result.Outcomes[service.OutcomePaid])
	assert.LessOrEqual(t, atomic.LoadInt32(&reconciler.maxInFlight), int32(3))
	assert.Equal(t, int32(0), atomic.LoadInt32(&reconciler.violations))
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 6, 7}, reconciler.order)
}

func TestScheduler_IsolatesPerOrderFailures(t *testing.T) {
	reconciler := &fakeReconciler{
		failures: map[int64]error{
			2: errors.New(errors.ErrCodePgUnavailable, "PG down"),
			5: errors.New(errors.ErrCodeProductNotFound, "product not found: 999"),
		},
		panics:  map[int64]bool{3: true},
		results: map[int64]service.Outcome{4: service.OutcomeStockShortage},
	}
	scheduler := newTestScheduler(defaultConfig(), reconciler, nil, staticFinder(1, 2, 3, 4, 5, 6))

	result, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Errors)
	assert.Equal(t, 2, result.Outcomes[service.OutcomePaid])
	assert.Equal(t, 1, result.Outcomes[service.OutcomeStockShortage])
	assert.Len(t, reconciler.order, 6)

	recoveries := scheduler.metrics.RecoveriesTotal
	assert.Equal(t, 1.0, testutil.ToFloat64(recoveries.WithLabelValues("retryable_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recoveries.WithLabelValues("business_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recoveries.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(recoveries.WithLabelValues("paid")))
}

func TestScheduler_MergesFindersAndUsesStaleThreshold(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var seenBefore time.Time
	var seenLimit int

	paymentFinder := func(_ context.Context, before time.Time, limit int) ([]int64, error) {
		seenBefore, seenLimit = before, limit
		return []int64{3, 1}, nil
	}
	failing := func(context.Context, time.Time, int) ([]int64, error) {
		return nil, stderrors.New("orders table unavailable")
	}

	reconciler := &fakeReconciler{}
	scheduler := newTestScheduler(defaultConfig(), reconciler, nil, paymentFinder, staticFinder(1, 2), failing)
	scheduler.now = func() time.Time { return now }

	result, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, now.Add(-10*time.Minute), seenBefore)
	assert.Equal(t, 200, seenLimit)
	assert.Equal(t, 3, result.Scanned)
	assert.ElementsMatch(t, []int64{3, 1, 2}, reconciler.order)
}

func TestScheduler_AllFindersFailing(t *testing.T) {
	failing := func(context.Context, time.Time, int) ([]int64, error) {
		return nil, stderrors.New("db down")
	}
	scheduler := newTestScheduler(defaultConfig(), &fakeReconciler{}, nil, failing)

	_, err := scheduler.RunOnce(context.Background())

	assert.Error(t, err)
}

func TestScheduler_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	other := lock.NewRedisLocker(client, "payment")
	held, err := other.TryAcquire(context.Background(), sweepLeaseKey, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	reconciler := &fakeReconciler{}
	scheduler := newTestScheduler(defaultConfig(), reconciler, lock.NewRedisLocker(client, "payment"), staticFinder(1))

	result, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, reconciler.order)

	require.NoError(t, other.Release(context.Background(), held))

	result, err = scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, []int64{1}, reconciler.order)
	assert.False(t, mr.Exists("payment:"+sweepLeaseKey))
}

func TestScheduler_SweepsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	reconciler := &fakeReconciler{}
	scheduler := newTestScheduler(defaultConfig(), reconciler, lock.NewRedisLocker(client, "payment"), staticFinder(1))

	result, err := scheduler.RunOnce(context.Background())

	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, []int64{1}, reconciler.order)
}

func TestScheduler_StartStopsOnCancel(t *testing.T) {
	cfg := defaultConfig()
	cfg.Interval = 10 * time.Millisecond

	var sweeps int32
	finder := func(context.Context, time.Time, int) ([]int64, error) {
		atomic.AddInt32(&sweeps, 1)
		return nil, nil
	}
	scheduler := newTestScheduler(cfg, &fakeReconciler{}, nil, finder)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&sweeps) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	failType string
}

type publishedMessage struct {
	topic string
	key   string
	value json.RawMessage
}

func (p *fakePublisher) Publish(_ context.Context, topic string, key string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic == p.failType {
		return stderrors.New("broker unavailable")
	}
	p.messages = append(p.messages, publishedMessage{topic: topic, key: key, value: event.(json.RawMessage)})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type memoryOutbox struct {
	mu     sync.Mutex
	events []*repository.OutboxEvent
}

func (o *memoryOutbox) Insert(_ context.Context, event *repository.OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	event.ID = int64(len(o.events) + 1)
	o.events = append(o.events, event)
	return nil
}

func (o *memoryOutbox) FindPending(_ context.Context, limit int) ([]*repository.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var pending []*repository.OutboxEvent
	for _, e := range o.events {
		if e.Status == repository.OutboxStatusPending && len(pending) < limit {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (o *memoryOutbox) MarkSent(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e.ID == id {
			e.Status = repository.OutboxStatusSent
		}
	}
	return nil
}

func TestOutboxWorker_PublishesAndMarksSent(t *testing.T) {
	outbox := &memoryOutbox{}
	require.NoError(t, outbox.Insert(context.Background(), &repository.OutboxEvent{
		EventType:  "payment.paid.v1",
		MessageKey: "10",
		Payload:    json.RawMessage(`{"paymentId":1,"orderId":10}`),
		Status:     repository.OutboxStatusPending,
	}))
	require.NoError(t, outbox.Insert(context.Background(), &repository.OutboxEvent{
		EventType:  "payment.cancel_required.v1",
		MessageKey: "11",
		Payload:    json.RawMessage(`{"paymentId":2,"orderId":11}`),
		Status:     repository.OutboxStatusPending,
	}))

	publisher := &fakePublisher{failType: "payment.cancel_required.v1"}
	worker := NewOutboxWorker(outbox, publisher, metrics.NewNop(), logger.NewTestLogger(), time.Second, 10)

	published, err := worker.ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, published)
	require.Len(t, publisher.messages, 1)
	assert.Equal(t, "payment.paid.v1", publisher.messages[0].topic)
	assert.Equal(t, "10", publisher.messages[0].key)
	assert.JSONEq(t, `{"paymentId":1,"orderId":10}`, string(publisher.messages[0].value))

	// 발행 실패 건은 다음 배치에서 재시도된다
	pending, err := outbox.FindPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "payment.cancel_required.v1", pending[0].EventType)
}
