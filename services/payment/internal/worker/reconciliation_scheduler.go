package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/common/lock"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/metrics"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/service"
)

const sweepLeaseKey = "reconciliation:sweep"

// OrderReconciler 주문 단위 복구
type OrderReconciler interface {
	ReconcileOrder(ctx context.Context, orderID int64) (service.Outcome, error)
}

// StaleOrderFinder 기준 시각 이전에 생성되어 아직 종결되지 않은 주문 조회
type StaleOrderFinder func(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error)

// SchedulerConfig 정합성 스케줄러 설정
type SchedulerConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	ChunkSize      int
	BatchLimit     int
	LeaseTTL       time.Duration
}

// SweepResult 스윕 1회 결과
type SweepResult struct {
	Skipped  bool
	Scanned  int
	Errors   int
	Outcomes map[service.Outcome]int
}

// ReconciliationScheduler 웹훅이 유실된 주문을 주기적으로 PG 기록과 맞춘다
// 청크 단위로 동시에 처리하고 한 청크가 모두 끝나야 다음 청크를 시작한다.
type ReconciliationScheduler struct {
	cfg        SchedulerConfig
	reconciler OrderReconciler
	finders    []StaleOrderFinder
	locker     lock.Locker
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewReconciliationScheduler 스케줄러 생성
// locker가 nil이면 임대 없이 매 주기 실행한다.
func NewReconciliationScheduler(
	cfg SchedulerConfig,
	reconciler OrderReconciler,
	finders []StaleOrderFinder,
	locker lock.Locker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		cfg:        cfg,
		reconciler: reconciler,
		finders:    finders,
		locker:     locker,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Start 고정 주기로 스윕 실행
// ctx가 취소되면 새 스윕을 시작하지 않으며 진행 중인 스윕은 끝까지 마친 뒤 반환한다.
func (s *ReconciliationScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("reconciliation scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("staleThreshold", s.cfg.StaleThreshold),
		zap.Int("chunkSize", s.cfg.ChunkSize))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 스윕 1회 실행
// 주문 하나의 실패는 기록만 하고 나머지 주문 처리를 계속한다.
func (s *ReconciliationScheduler) RunOnce(ctx context.Context) (*SweepResult, error) {
	started := time.Now()
	result := &SweepResult{Outcomes: make(map[service.Outcome]int)}

	if s.locker != nil {
		lease, err := s.locker.TryAcquire(ctx, sweepLeaseKey, s.cfg.LeaseTTL)
		switch {
		case err != nil:
			// 임대 저장소 장애여도 멱등성은 결제 상태 머신이 보장하므로 스윕은 진행한다
			s.logger.Warn("failed to acquire sweep lease, sweeping anyway", zap.Error(err))
		case lease == nil:
			s.logger.Debug("sweep lease held by another instance, skipping")
			s.metrics.SweepsTotal.WithLabelValues("skipped").Inc()
			result.Skipped = true
			return result, nil
		default:
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
					s.logger.Warn("failed to release sweep lease", zap.Error(err))
				}
			}()
		}
	}

	orderIDs, err := s.findStaleOrders(ctx)
	if err != nil {
		s.metrics.SweepsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	result.Scanned = len(orderIDs)

	var mu sync.Mutex
	for start := 0; start < len(orderIDs); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(orderIDs) {
			end = len(orderIDs)
		}

		g := new(errgroup.Group)
		g.SetLimit(s.cfg.ChunkSize)
		for _, orderID := range orderIDs[start:end] {
			orderID := orderID
			g.Go(func() error {
				outcome, err := s.reconcileOne(ctx, orderID)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Errors++
					return nil
				}
				result.Outcomes[outcome]++
				return nil
			})
		}
		_ = g.Wait()
	}

	s.metrics.SweepsTotal.WithLabelValues("completed").Inc()
	s.metrics.SweepDuration.Observe(time.Since(started).Seconds())

	if result.Scanned > 0 {
		s.logger.Info("reconciliation sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("paid", result.Outcomes[service.OutcomePaid]),
			zap.Int("failed", result.Outcomes[service.OutcomeFailed]+result.Outcomes[service.OutcomePgNotFound]),
			zap.Int("stockShortage", result.Outcomes[service.OutcomeStockShortage]),
			zap.Int("deferred", result.Outcomes[service.OutcomeDeferred]),
			zap.Int("errors", result.Errors),
			zap.Duration("elapsed", time.Since(started)))
	}
	return result, nil
}

// findStaleOrders 모든 조회 결과를 순서를 유지한 채 중복 없이 합친다
func (s *ReconciliationScheduler) findStaleOrders(ctx context.Context) ([]int64, error) {
	before := s.now().Add(-s.cfg.StaleThreshold)

	var (
		ids      []int64
		seen     = make(map[int64]struct{})
		failures int
		lastErr  error
	)
	for _, find := range s.finders {
		found, err := find(ctx, before, s.cfg.BatchLimit)
		if err != nil {
			failures++
			lastErr = err
			s.logger.Warn("failed to find stale orders", zap.Error(err))
			continue
		}
		for _, id := range found {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	if len(s.finders) > 0 && failures == len(s.finders) {
		return nil, lastErr
	}
	return ids, nil
}

// reconcileOne 주문 하나 복구 (패닉도 이 주문 안에서 끝낸다)
func (s *ReconciliationScheduler) reconcileOne(ctx context.Context, orderID int64) (outcome service.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while reconciling order %d: %v", orderID, r)
		}
		if err != nil {
			kind := errorKind(err)
			s.metrics.RecoveriesTotal.WithLabelValues(kind).Inc()
			s.logger.Error("failed to reconcile order, will retry next sweep",
				zap.Int64("orderId", orderID),
				zap.String("kind", kind),
				zap.Error(err))
			return
		}
		s.metrics.RecoveriesTotal.WithLabelValues(outcome.String()).Inc()
	}()

	return s.reconciler.ReconcileOrder(ctx, orderID)
}

// errorKind 주문 복구 실패 분류 (지표 레이블)
func errorKind(err error) string {
	switch {
	case errors.IsRetryable(err):
		return "retryable_error"
	case errors.IsBusinessError(err):
		return "business_error"
	default:
		return "error"
	}
}
