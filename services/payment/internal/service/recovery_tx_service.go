package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/errors"
)

// RecoveryTxService 정합성 복구를 주문마다 독립 트랜잭션(RequiresNew)으로 커밋
// 한 주문의 롤백이 같은 스윕에서 이미 커밋된 다른 주문의 복구에 영향을 주지 않는다.
type RecoveryTxService struct {
	deps       Dependencies
	settlement *Settlement
}

// NewRecoveryTxService 복구 트랜잭션 서비스 생성
func NewRecoveryTxService(deps Dependencies) *RecoveryTxService {
	return &RecoveryTxService{
		deps:       deps,
		settlement: &Settlement{deps: deps, begin: deps.Tx.RequiresNew},
	}
}

// ApplySuccess 새 트랜잭션에서 PG 승인 반영
func (s *RecoveryTxService) ApplySuccess(ctx context.Context, paymentID int64, externalKey string) (Outcome, error) {
	return s.settlement.ApplySuccess(ctx, paymentID, externalKey)
}

// ApplyFailure 새 트랜잭션에서 PG 실패 반영
func (s *RecoveryTxService) ApplyFailure(ctx context.Context, paymentID int64, reason string) (Outcome, error) {
	return s.settlement.ApplyFailure(ctx, paymentID, reason)
}

// FailOrder 유효한 결제 시도가 없는 주문을 새 트랜잭션에서 실패 처리
func (s *RecoveryTxService) FailOrder(ctx context.Context, orderID int64) (Outcome, error) {
	err := s.deps.Tx.RequiresNew(ctx, func(ctx context.Context) error {
		return s.deps.Orders.FailOrder(ctx, orderID)
	})
	if err != nil {
		if errors.Is(err, errors.ErrCodeOrderStateConflict) {
			return OutcomeAlreadyHandled, nil
		}
		return OutcomeNone, err
	}

	s.deps.Logger.Info("order failed without active payment", zap.Int64("orderId", orderID))
	return OutcomeFailed, nil
}
