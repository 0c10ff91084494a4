package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
)

// CallbackCommand PG 콜백
// (transactionKey, status, reason) 또는 (orderId, externalPaymentKey) 형태 모두 허용한다.
type CallbackCommand struct {
	TransactionKey     string
	OrderID            int64
	ExternalPaymentKey string
	Status             domain.PgStatus
	Reason             string
}

// Key 결제 조회에 사용할 키
func (c CallbackCommand) Key() string {
	if c.TransactionKey != "" {
		return c.TransactionKey
	}
	return c.ExternalPaymentKey
}

// CallbackService PG 콜백 처리
// 콜백 내용을 그대로 믿지 않고 PG 거래 기록으로 확인한 뒤 반영한다.
type CallbackService struct {
	deps    Dependencies
	applier OutcomeApplier
}

// NewCallbackService 콜백 서비스 생성
func NewCallbackService(deps Dependencies, applier OutcomeApplier) *CallbackService {
	return &CallbackService{deps: deps, applier: applier}
}

// HandleCallback 콜백 처리
// 결제가 없으면 PAYMENT_NOT_FOUND, 그 외 재전송/지연 콜백은 모두 성공으로 응답할 수 있는 Outcome을 반환한다.
func (s *CallbackService) HandleCallback(ctx context.Context, cmd CallbackCommand) (Outcome, error) {
	key := cmd.Key()
	if key == "" {
		return OutcomeNone, errors.New(errors.ErrCodeValidation, "transactionKey 또는 externalPaymentKey가 필요합니다")
	}

	payment, err := s.deps.Payments.FindByKey(ctx, key)
	uncertain := false
	if errors.Is(err, errors.ErrCodePaymentNotFound) && cmd.OrderID != 0 {
		// 응답을 받지 못한 결제는 PG 거래 키가 저장되어 있지 않으므로 주문 번호로 찾는다
		payment, uncertain, err = s.findUncertain(ctx, cmd.OrderID, err)
	}
	if err != nil {
		return OutcomeNone, err
	}
	if cmd.OrderID != 0 && cmd.OrderID != payment.OrderID {
		return OutcomeNone, errors.Newf(errors.ErrCodeValidation, "주문 번호가 일치하지 않습니다: %d", cmd.OrderID)
	}

	if payment.IsTerminal() {
		s.deps.Logger.Debug("duplicate callback ignored",
			zap.Int64("paymentId", payment.ID),
			zap.String("status", string(payment.Status)))
		return OutcomeAlreadyHandled, nil
	}

	lookupKey := payment.ExternalPaymentKey
	if uncertain {
		lookupKey = key
	}
	if lookupKey == "" {
		// PG 거래 키가 없으면 확인할 수 없으므로 스케줄러에 맡긴다
		return OutcomeDeferred, nil
	}

	pgTx, err := s.deps.Gateway.FindTransaction(ctx, lookupKey)
	if err != nil {
		if errors.Is(err, errors.ErrCodePgTransactionNotFound) {
			s.deps.Logger.Warn("callback for transaction unknown to PG",
				zap.Int64("paymentId", payment.ID),
				zap.String("externalPaymentKey", lookupKey))
			return OutcomePgNotFound, nil
		}
		s.deps.Logger.Warn("PG lookup failed, deferring callback",
			zap.Int64("paymentId", payment.ID),
			zap.Error(err))
		return OutcomeDeferred, nil
	}

	if uncertain && pgTx.OrderID != payment.OrderID {
		return OutcomeNone, errors.Newf(errors.ErrCodeValidation, "PG 거래의 주문 번호가 일치하지 않습니다: %d", pgTx.OrderID)
	}

	if cmd.Status != "" && cmd.Status != pgTx.Status {
		s.deps.Logger.Warn("callback disagrees with PG record, trusting PG",
			zap.Int64("paymentId", payment.ID),
			zap.String("callbackStatus", string(cmd.Status)),
			zap.String("pgStatus", string(pgTx.Status)))
	}

	return Resolve(ctx, s.applier, payment, pgTx)
}

// findUncertain 주문의 진행 중인 결제 중 PG 거래 키가 없는 결제 조회
// 해당 결제가 없으면 원래의 PAYMENT_NOT_FOUND를 그대로 반환한다.
func (s *CallbackService) findUncertain(ctx context.Context, orderID int64, notFound error) (*domain.Payment, bool, error) {
	payment, err := s.deps.Payments.FindActiveByOrderID(ctx, orderID)
	if errors.Is(err, errors.ErrCodePaymentNotFound) {
		return nil, false, notFound
	}
	if err != nil {
		return nil, false, err
	}
	if payment.ExternalPaymentKey != "" {
		return nil, false, notFound
	}
	return payment, true, nil
}
