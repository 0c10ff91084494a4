package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
)

// CreatePendingCommand 결제 생성 커맨드
type CreatePendingCommand struct {
	UserID    int64
	Order     *domain.Order
	UsedPoint domain.Money
	Card      domain.CardInfo
}

// PaymentService 결제 상태 머신
// 모든 상태 변경은 짧은 트랜잭션 안에서 version을 증가시키며 기록된다.
type PaymentService struct {
	deps       Dependencies
	settlement *Settlement
}

// NewPaymentService 결제 서비스 생성
func NewPaymentService(deps Dependencies, settlement *Settlement) *PaymentService {
	return &PaymentService{deps: deps, settlement: settlement}
}

// CreatePending PENDING 결제 생성 및 포인트 사용
func (s *PaymentService) CreatePending(ctx context.Context, cmd CreatePendingCommand) (*domain.Payment, error) {
	if cmd.Order == nil {
		return nil, errors.New(errors.ErrCodeValidation, "주문 정보는 필수입니다")
	}
	if cmd.Order.UserID != cmd.UserID {
		return nil, errors.Newf(errors.ErrCodeValidation, "주문자와 결제 요청자가 다릅니다: order=%d user=%d", cmd.Order.ID, cmd.UserID)
	}
	if !cmd.Order.IsPayable() {
		return nil, errors.Newf(errors.ErrCodeOrderStateConflict, "결제할 수 없는 주문입니다: order=%d status=%s", cmd.Order.ID, cmd.Order.Status)
	}

	payment, err := domain.NewPayment(domain.NewPaymentParams{
		TransactionKey: uuid.New().String(),
		OrderID:        cmd.Order.ID,
		UserID:         cmd.UserID,
		TotalAmount:    cmd.Order.TotalAmount,
		UsedPoint:      cmd.UsedPoint,
		CouponDiscount: cmd.Order.CouponDiscount,
		Card:           cmd.Card,
		Now:            s.deps.now(),
	})
	if err != nil {
		return nil, err
	}

	err = s.deps.Tx.Within(ctx, func(ctx context.Context) error {
		if err := s.deps.Payments.Create(ctx, payment); err != nil {
			return err
		}
		return s.deps.Points.Use(ctx, payment.UserID, payment.UsedPoint)
	})
	if err != nil {
		return nil, err
	}

	s.deps.Logger.Info("payment created",
		zap.Int64("paymentId", payment.ID),
		zap.Int64("orderId", payment.OrderID),
		zap.String("transactionKey", payment.TransactionKey),
		zap.Int64("paidAmount", payment.PaidAmount.Int64()))

	return payment, nil
}

// Initiate PG 요청 결과 반영 (PENDING에서만 가능)
func (s *PaymentService) Initiate(ctx context.Context, paymentID int64, result domain.PgCreateResult, attemptedAt time.Time) (*domain.Payment, error) {
	err := s.deps.Tx.Within(ctx, func(ctx context.Context) error {
		payment, err := s.deps.Payments.FindByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusPending {
			return errors.Newf(errors.ErrCodeInvalidState, "대기 상태에서만 결제를 시작할 수 있습니다: %s", payment.Status)
		}

		switch r := result.(type) {
		case domain.PgAccepted:
			payment.AttemptedAt = &attemptedAt
			if err := payment.Start(r.TransactionKey, s.deps.now()); err != nil {
				return err
			}
			return s.deps.Payments.Update(ctx, payment)

		case domain.PgNotReached:
			// 외부 신호가 다시 오지 않으므로 보상을 지금 같은 트랜잭션에서 실행한다
			s.deps.Logger.Warn("PG not reached, failing payment",
				zap.Int64("paymentId", payment.ID),
				zap.Error(r.Cause))
			payment.AttemptedAt = &attemptedAt
			_, err := s.settlement.failInTx(ctx, payment, domain.ReasonPgUnreachable)
			return err

		case domain.PgUncertain:
			// PENDING 유지, 정합성 스케줄러가 PG 기록으로 확정한다
			s.deps.Logger.Warn("PG result uncertain, leaving payment pending",
				zap.Int64("paymentId", payment.ID),
				zap.Error(r.Cause))
			payment.AttemptedAt = &attemptedAt
			payment.UpdatedAt = s.deps.now()
			return s.deps.Payments.Update(ctx, payment)

		case domain.PgNotRequired:
			_, err := s.settlement.succeedInTx(ctx, payment.ID, "")
			return err

		default:
			return errors.Newf(errors.ErrCodeValidation, "unknown PG result: %T", result)
		}
	})
	if err != nil {
		return nil, err
	}

	return s.deps.Payments.FindByID(ctx, paymentID)
}

// Succeed 결제 성공 처리 (IN_PROGRESS에서만 가능)
// 이미 종결된 결제는 부수 효과 실행 전에 INVALID_STATE로 거절된다.
func (s *PaymentService) Succeed(ctx context.Context, paymentID int64, externalKey string) (*domain.Payment, error) {
	err := s.deps.Tx.Within(ctx, func(ctx context.Context) error {
		payment, err := s.deps.Payments.FindByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusInProgress {
			return errors.New(errors.ErrCodeInvalidState, "결제 진행 중 상태에서만 성공 처리할 수 있습니다")
		}
		_, err = s.settlement.succeedInTx(ctx, paymentID, externalKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.deps.Payments.FindByID(ctx, paymentID)
}

// Fail 결제 실패 처리 (이미 실패한 결제는 no-op)
func (s *PaymentService) Fail(ctx context.Context, paymentID int64, reason string) (*domain.Payment, error) {
	var payment *domain.Payment
	err := s.deps.Tx.Within(ctx, func(ctx context.Context) error {
		var err error
		payment, err = s.deps.Payments.FindByID(ctx, paymentID)
		if err != nil {
			return err
		}
		_, err = s.settlement.failInTx(ctx, payment, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// GetPayment 결제 조회
func (s *PaymentService) GetPayment(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	return s.deps.Payments.FindByID(ctx, paymentID)
}
