package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
)

// Reconciler 웹훅이 유실된 주문 하나를 PG 기록으로 복구
type Reconciler struct {
	deps     Dependencies
	recovery *RecoveryTxService
}

// NewReconciler 복구기 생성
func NewReconciler(deps Dependencies, recovery *RecoveryTxService) *Reconciler {
	return &Reconciler{deps: deps, recovery: recovery}
}

// ReconcileOrder 주문 복구
// PG 조회는 트랜잭션 밖에서 수행하고 상태 전이만 독립 트랜잭션으로 커밋한다.
// PG 조회 실패는 오류로 반환하며 주문은 다음 스윕까지 대기 상태로 남는다.
func (r *Reconciler) ReconcileOrder(ctx context.Context, orderID int64) (Outcome, error) {
	payment, err := r.deps.Payments.FindActiveByOrderID(ctx, orderID)
	if errors.Is(err, errors.ErrCodePaymentNotFound) {
		r.deps.Logger.Info("no active payment for stale order",
			zap.Int64("orderId", orderID),
			zap.String("reason", domain.ReasonNoActivePayment))
		return r.recovery.FailOrder(ctx, orderID)
	}
	if err != nil {
		return OutcomeNone, err
	}

	if payment.ExternalPaymentKey == "" {
		return r.reconcileWithoutKey(ctx, payment)
	}

	pgTx, err := r.deps.Gateway.FindTransaction(ctx, payment.ExternalPaymentKey)
	if errors.Is(err, errors.ErrCodePgTransactionNotFound) {
		// PG가 발급한 키인데 기록이 없으면 청구도 없다
		outcome, err := r.recovery.ApplyFailure(ctx, payment.ID, domain.ReasonPgTransactionMissing)
		if err != nil {
			return OutcomeNone, err
		}
		if outcome == OutcomeFailed {
			return OutcomePgNotFound, nil
		}
		return outcome, nil
	}
	if err != nil {
		return OutcomeNone, err
	}

	return Resolve(ctx, r.recovery, payment, pgTx)
}

// reconcileWithoutKey PG 응답을 받지 못한 결제 처리
// 주문 번호로 PG 기록을 찾아 있으면 그 결과로 확정하고, 없으면 PG에 도달하지 않은 것으로 본다.
func (r *Reconciler) reconcileWithoutKey(ctx context.Context, payment *domain.Payment) (Outcome, error) {
	if payment.PaidAmount.IsZero() {
		return r.recovery.ApplyFailure(ctx, payment.ID, domain.ReasonExpired)
	}

	transactions, err := r.deps.Gateway.FindTransactionsByOrder(ctx, payment.OrderID)
	if err != nil {
		return OutcomeNone, err
	}

	pgTx := pickTransaction(transactions)
	if pgTx == nil {
		return r.recovery.ApplyFailure(ctx, payment.ID, domain.ReasonPgUnreachable)
	}

	r.deps.Logger.Info("found PG transaction for uncertain payment",
		zap.Int64("paymentId", payment.ID),
		zap.String("externalPaymentKey", pgTx.TransactionKey),
		zap.String("pgStatus", string(pgTx.Status)))

	return Resolve(ctx, r.recovery, payment, pgTx)
}

// pickTransaction 한 주문의 PG 거래 중 확정에 사용할 거래 선택 (SUCCESS > PENDING > FAILED)
func pickTransaction(transactions []domain.PgTransaction) *domain.PgTransaction {
	rank := map[domain.PgStatus]int{
		domain.PgStatusSuccess: 3,
		domain.PgStatusPending: 2,
		domain.PgStatusFailed:  1,
	}

	var picked *domain.PgTransaction
	for i := range transactions {
		if picked == nil || rank[transactions[i].Status] > rank[picked.Status] {
			picked = &transactions[i]
		}
	}
	return picked
}
