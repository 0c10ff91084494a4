package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/messaging"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/metrics"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/repository"
)

// OutboxWorker Outbox 패턴 워커
// 결제 상태 전이와 함께 커밋된 이벤트를 이벤트 타입과 같은 이름의 토픽으로 발행한다.
type OutboxWorker struct {
	outboxRepo repository.OutboxRepository
	publisher  messaging.Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	interval   time.Duration
	batchSize  int
}

// NewOutboxWorker Outbox 워커 생성
func NewOutboxWorker(
	outboxRepo repository.OutboxRepository,
	publisher messaging.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
	interval time.Duration,
	batchSize int,
) *OutboxWorker {
	return &OutboxWorker{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		interval:   interval,
		batchSize:  batchSize,
	}
}

// Start 워커 시작 (ctx 취소 시 종료)
func (w *OutboxWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil {
				w.logger.Error("failed to process outbox events", zap.Error(err))
			}
		}
	}
}

// ProcessOnce 대기 중인 이벤트 한 배치 발행, 발행한 건수 반환
func (w *OutboxWorker) ProcessOnce(ctx context.Context) (int, error) {
	events, err := w.outboxRepo.FindPending(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	w.logger.Debug("processing outbox events", zap.Int("count", len(events)))

	published := 0
	for _, event := range events {
		if err := w.publisher.Publish(ctx, event.EventType, event.MessageKey, json.RawMessage(event.Payload)); err != nil {
			w.metrics.OutboxPublished.WithLabelValues("error").Inc()
			w.logger.Error("failed to publish event",
				zap.Int64("eventId", event.ID),
				zap.String("eventType", event.EventType),
				zap.Error(err))
			continue
		}

		// 전송 완료 표시 (실패 시 다음 배치에서 재발행, 컨슈머는 eventId로 중복 제거)
		if err := w.outboxRepo.MarkSent(ctx, event.ID); err != nil {
			w.logger.Error("failed to mark event as sent",
				zap.Int64("eventId", event.ID),
				zap.Error(err))
			continue
		}
		w.metrics.OutboxPublished.WithLabelValues("sent").Inc()
		published++
	}

	return published, nil
}
