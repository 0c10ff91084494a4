package handler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/common/events"
	"github.com/kyungseok/payment-reconciliation/common/messaging"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/metrics"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/service"
)

// CallbackConsumer 브로커로 중계된 PG 콜백 처리
// HTTP 콜백과 같은 처리기를 사용하므로 두 경로로 같은 콜백이 와도 한 번만 반영된다.
type CallbackConsumer struct {
	callbacks CallbackProcessor
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewCallbackConsumer 콜백 컨슈머 생성
func NewCallbackConsumer(callbacks CallbackProcessor, m *metrics.Metrics, logger *zap.Logger) *CallbackConsumer {
	return &CallbackConsumer{
		callbacks: callbacks,
		metrics:   m,
		logger:    logger,
	}
}

// HandleMessage 메시지 처리
func (h *CallbackConsumer) HandleMessage(ctx context.Context, msg *messaging.Message) error {
	h.logger.Debug("received message",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset))

	if events.EventType(msg.Topic) != events.EventPgCallback {
		h.logger.Warn("unknown event type", zap.String("topic", msg.Topic))
		return nil
	}

	var evt events.PgCallbackEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		h.metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return errors.Wrap(errors.ErrCodeSerializationError, "failed to decode PG callback", err)
	}

	status, err := parseStatus(evt.Status)
	if err != nil {
		h.metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return err
	}

	outcome, err := h.callbacks.HandleCallback(ctx, service.CallbackCommand{
		TransactionKey: evt.TransactionKey,
		OrderID:        evt.OrderID,
		Status:         status,
		Reason:         evt.Reason,
	})
	if err != nil {
		h.metrics.CallbacksTotal.WithLabelValues(errorLabel(statusOf(err))).Inc()
		return err
	}

	h.metrics.CallbacksTotal.WithLabelValues(outcome.String()).Inc()
	h.logger.Info("relayed PG callback handled",
		zap.String("transactionKey", evt.TransactionKey),
		zap.Stringer("outcome", outcome))
	return nil
}
