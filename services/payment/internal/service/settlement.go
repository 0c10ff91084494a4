package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/common/events"
	"github.com/kyungseok/payment-reconciliation/common/messaging"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/repository"
)

// Settlement PG 결과를 결제와 주문, 재고, 포인트에 반영
// 웹훅과 정합성 스케줄러가 이 로직 하나를 공유한다.
type Settlement struct {
	deps  Dependencies
	begin func(ctx context.Context, fn func(ctx context.Context) error) error
}

// NewSettlement 호출자 트랜잭션에 참여하는 Settlement 생성
func NewSettlement(deps Dependencies) *Settlement {
	return &Settlement{deps: deps, begin: deps.Tx.Within}
}

// ApplySuccess PG 승인 반영
// 재고 부족이거나 주문이 이미 종결되었으면 같은 트랜잭션에서 실패와 수동 처리 대상 기록으로 전환한다.
func (s *Settlement) ApplySuccess(ctx context.Context, paymentID int64, externalKey string) (Outcome, error) {
	outcome := OutcomeNone
	err := s.begin(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = s.succeedInTx(ctx, paymentID, externalKey)
		return err
	})
	return s.settle(paymentID, "success", outcome, err)
}

// ApplyFailure PG 실패 반영
func (s *Settlement) ApplyFailure(ctx context.Context, paymentID int64, reason string) (Outcome, error) {
	outcome := OutcomeNone
	err := s.begin(ctx, func(ctx context.Context) error {
		payment, err := s.deps.Payments.FindByID(ctx, paymentID)
		if err != nil {
			return err
		}
		outcome, err = s.failInTx(ctx, payment, reason)
		return err
	})
	return s.settle(paymentID, "failure", outcome, err)
}

// settle 결제 경쟁에서 진 쪽(결제 상태 가드, 낙관적 락 충돌)은 이미 처리된 것으로 본다
// 주문 상태 충돌은 오류로 남아 다음 웹훅이나 스윕에서 다시 처리된다.
func (s *Settlement) settle(paymentID int64, signal string, outcome Outcome, err error) (Outcome, error) {
	if err == nil {
		return outcome, nil
	}
	if errors.IsAlreadyHandled(err) {
		s.deps.Logger.Warn("payment already handled by another writer",
			zap.Int64("paymentId", paymentID),
			zap.String("signal", signal),
			zap.Error(err))
		return OutcomeAlreadyHandled, nil
	}
	return OutcomeNone, err
}

func (s *Settlement) succeedInTx(ctx context.Context, paymentID int64, externalKey string) (Outcome, error) {
	payment, err := s.deps.Payments.FindByID(ctx, paymentID)
	if err != nil {
		return OutcomeNone, err
	}

	now := s.deps.now()
	if err := markPaid(payment, externalKey, now); err != nil {
		return OutcomeNone, err
	}

	order, err := s.deps.Orders.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return OutcomeNone, err
	}
	if order.Status == domain.OrderStatusFailed {
		s.deps.Logger.Warn("order closed before PG approval was applied",
			zap.Int64("paymentId", paymentID),
			zap.Int64("orderId", payment.OrderID))
		return s.chargedFailureInTx(ctx, paymentID, externalKey, domain.ReasonOrderClosed, OutcomeOrderClosed)
	}

	// 재고 차감은 부족 시 아무것도 차감하지 않으므로 같은 트랜잭션에서 실패 처리로 전환할 수 있다
	if err := s.deps.Stock.DecreaseStock(ctx, order.LineItems); err != nil {
		if errors.Is(err, errors.ErrCodeInsufficientStock) {
			s.deps.Logger.Warn("stock sold out after PG approval",
				zap.Int64("paymentId", paymentID),
				zap.Int64("orderId", payment.OrderID),
				zap.Error(err))
			return s.chargedFailureInTx(ctx, paymentID, externalKey, domain.ReasonInsufficientStock, OutcomeStockShortage)
		}
		return OutcomeNone, err
	}

	if err := s.deps.Payments.Update(ctx, payment); err != nil {
		return OutcomeNone, err
	}
	if err := s.deps.Orders.CompleteOrderWithPayment(ctx, payment.OrderID); err != nil {
		return OutcomeNone, err
	}

	event := events.PaymentPaidEvent{
		BaseEvent:          events.NewBaseEvent(events.EventPaymentPaid, payment.TransactionKey, now),
		PaymentID:          payment.ID,
		OrderID:            payment.OrderID,
		UserID:             payment.UserID,
		TransactionKey:     payment.TransactionKey,
		ExternalPaymentKey: payment.ExternalPaymentKey,
		PaidAmount:         payment.PaidAmount.Int64(),
	}
	if err := s.enqueue(ctx, payment, events.EventPaymentPaid, event); err != nil {
		return OutcomeNone, err
	}

	s.deps.Logger.Info("payment paid",
		zap.Int64("paymentId", payment.ID),
		zap.Int64("orderId", payment.OrderID),
		zap.String("externalPaymentKey", payment.ExternalPaymentKey),
		zap.Int64("paidAmount", payment.PaidAmount.Int64()))

	return OutcomePaid, nil
}

// markPaid 현재 상태에 맞는 경로로 PAID 전이
func markPaid(payment *domain.Payment, externalKey string, now time.Time) error {
	switch {
	case payment.Status == domain.PaymentStatusPending && payment.PaidAmount.IsZero():
		return payment.CompleteWithoutCharge(now)
	case payment.Status == domain.PaymentStatusPending:
		// 응답을 받지 못한(Uncertain) 결제를 PG 기록으로 복구
		if err := payment.Start(externalKey, now); err != nil {
			return err
		}
		return payment.Succeed(externalKey, now)
	default:
		return payment.Succeed(externalKey, now)
	}
}

func (s *Settlement) failInTx(ctx context.Context, payment *domain.Payment, reason string) (Outcome, error) {
	changed, err := payment.Fail(reason, s.deps.now())
	if err != nil {
		return OutcomeNone, err
	}
	if !changed {
		return OutcomeAlreadyHandled, nil
	}

	if err := s.deps.Payments.Update(ctx, payment); err != nil {
		return OutcomeNone, err
	}
	if err := s.compensate(ctx, payment); err != nil {
		return OutcomeNone, err
	}

	s.deps.Logger.Info("payment failed",
		zap.Int64("paymentId", payment.ID),
		zap.Int64("orderId", payment.OrderID),
		zap.String("reason", reason))

	return OutcomeFailed, nil
}

// chargedFailureInTx PG 승인을 반영할 수 없는 결제 실패 처리
// 카드 승인 금액이 있으면 수동 처리 대상과 취소 요청 이벤트를 함께 기록한다.
func (s *Settlement) chargedFailureInTx(ctx context.Context, paymentID int64, externalKey, reason string, outcome Outcome) (Outcome, error) {
	payment, err := s.deps.Payments.FindByID(ctx, paymentID)
	if err != nil {
		return OutcomeNone, err
	}

	now := s.deps.now()
	if payment.Status == domain.PaymentStatusPending && !payment.PaidAmount.IsZero() && externalKey != "" {
		if err := payment.Start(externalKey, now); err != nil {
			return OutcomeNone, err
		}
	}

	changed, err := payment.Fail(reason, now)
	if err != nil {
		return OutcomeNone, err
	}
	if !changed {
		return OutcomeNone, errors.Newf(errors.ErrCodeInvalidState, "payment %d already failed", paymentID)
	}

	if err := s.deps.Payments.Update(ctx, payment); err != nil {
		return OutcomeNone, err
	}
	if err := s.compensate(ctx, payment); err != nil {
		return OutcomeNone, err
	}

	if payment.PaidAmount.IsZero() {
		return outcome, nil
	}

	// PG 취소 자체는 별도 운영 절차
	escalation := &repository.Escalation{
		PaymentID:          payment.ID,
		OrderID:            payment.OrderID,
		ExternalPaymentKey: payment.ExternalPaymentKey,
		Amount:             payment.PaidAmount.Int64(),
		Reason:             reason,
		CreatedAt:          now,
	}
	if err := s.deps.Escalations.Create(ctx, escalation); err != nil {
		return OutcomeNone, err
	}

	event := events.PaymentCancelRequiredEvent{
		BaseEvent:          events.NewBaseEvent(events.EventPaymentCancelRequired, payment.TransactionKey, now),
		PaymentID:          payment.ID,
		OrderID:            payment.OrderID,
		ExternalPaymentKey: payment.ExternalPaymentKey,
		Amount:             payment.PaidAmount.Int64(),
		Reason:             reason,
	}
	if err := s.enqueue(ctx, payment, events.EventPaymentCancelRequired, event); err != nil {
		return OutcomeNone, err
	}

	s.deps.Metrics.EscalationsTotal.Inc()
	s.deps.Logger.Error("manual intervention required: PG charged but payment could not be settled",
		zap.Int64("paymentId", payment.ID),
		zap.String("reason", reason),
		zap.Int64("orderId", payment.OrderID),
		zap.String("externalPaymentKey", payment.ExternalPaymentKey),
		zap.Int64("amount", payment.PaidAmount.Int64()))

	return outcome, nil
}

// compensate 실패한 결제의 포인트 복원, 주문 실패, 실패 이벤트 기록
func (s *Settlement) compensate(ctx context.Context, payment *domain.Payment) error {
	if err := s.deps.Points.Rollback(ctx, payment.UserID, payment.UsedPoint); err != nil {
		return err
	}
	if err := s.deps.Orders.FailOrder(ctx, payment.OrderID); err != nil {
		return err
	}

	event := events.PaymentFailedEvent{
		BaseEvent:      events.NewBaseEvent(events.EventPaymentFailed, payment.TransactionKey, payment.UpdatedAt),
		PaymentID:      payment.ID,
		OrderID:        payment.OrderID,
		UserID:         payment.UserID,
		TransactionKey: payment.TransactionKey,
		Reason:         payment.Reason,
		UsedPoint:      payment.UsedPoint.Int64(),
		CouponDiscount: payment.CouponDiscount.Int64(),
		PointRefunded:  !payment.UsedPoint.IsZero(),
	}
	return s.enqueue(ctx, payment, events.EventPaymentFailed, event)
}

// enqueue 상태 전이와 같은 트랜잭션에 Outbox 이벤트 기록
func (s *Settlement) enqueue(ctx context.Context, payment *domain.Payment, eventType events.EventType, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.ErrCodeSerializationError, "failed to marshal event", err)
	}

	return s.deps.Outbox.Insert(ctx, &repository.OutboxEvent{
		AggregateType: "payment",
		AggregateID:   payment.ID,
		EventType:     string(eventType),
		MessageKey:    messaging.OrderKey(payment.OrderID),
		Payload:       payload,
		Status:        repository.OutboxStatusPending,
		CreatedAt:     s.deps.now(),
	})
}
