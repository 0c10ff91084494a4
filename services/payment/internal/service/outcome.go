package service

import (
	"context"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
)

// Outcome PG 결과 반영 결과
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomePaid
	OutcomeFailed
	OutcomeStockShortage
	// OutcomeAlreadyHandled 다른 경로가 먼저 종결 처리함 (멱등 no-op)
	OutcomeAlreadyHandled
	// OutcomeDeferred PG가 아직 처리 중이거나 확인할 수 없어 다음 기회로 미룸
	OutcomeDeferred
	// OutcomePgNotFound PG에 거래 기록이 없음
	OutcomePgNotFound
	// OutcomeOrderClosed PG 승인 전에 주문이 종결되어 결제를 실패 처리함
	OutcomeOrderClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaid:
		return "paid"
	case OutcomeFailed:
		return "failed"
	case OutcomeStockShortage:
		return "stock_shortage"
	case OutcomeAlreadyHandled:
		return "already_handled"
	case OutcomeDeferred:
		return "deferred"
	case OutcomePgNotFound:
		return "pg_not_found"
	case OutcomeOrderClosed:
		return "order_closed"
	default:
		return "none"
	}
}

// OutcomeApplier PG 결과를 결제에 커밋하는 주체
// Settlement(호출자 트랜잭션 참여)와 RecoveryTxService(주문별 독립 트랜잭션)가 구현한다.
type OutcomeApplier interface {
	ApplySuccess(ctx context.Context, paymentID int64, externalKey string) (Outcome, error)
	ApplyFailure(ctx context.Context, paymentID int64, reason string) (Outcome, error)
}

// Resolve PG 거래 상태에 따라 성공/실패 반영 (웹훅과 스케줄러 공용)
func Resolve(ctx context.Context, applier OutcomeApplier, payment *domain.Payment, pgTx *domain.PgTransaction) (Outcome, error) {
	if payment.IsTerminal() {
		return OutcomeAlreadyHandled, nil
	}
	if pgTx == nil {
		return OutcomeDeferred, nil
	}

	switch pgTx.Status {
	case domain.PgStatusSuccess:
		return applier.ApplySuccess(ctx, payment.ID, pgTx.TransactionKey)
	case domain.PgStatusFailed:
		reason := pgTx.FailureReason
		if reason == "" {
			reason = domain.ReasonPgFailed
		}
		return applier.ApplyFailure(ctx, payment.ID, reason)
	case domain.PgStatusPending:
		return OutcomeDeferred, nil
	default:
		return OutcomeNone, errors.Newf(errors.ErrCodeValidation, "unknown PG status: %s", pgTx.Status)
	}
}
