package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
)

// PayCommand 결제 요청 커맨드
type PayCommand struct {
	UserID    int64
	OrderID   int64
	UsedPoint domain.Money
	Card      domain.CardInfo
}

// Checkout 주문 결제 흐름 (생성 -> PG 요청 -> 결과 반영)
type Checkout struct {
	deps     Dependencies
	payments *PaymentService
}

// NewCheckout 결제 흐름 생성
func NewCheckout(deps Dependencies, payments *PaymentService) *Checkout {
	return &Checkout{deps: deps, payments: payments}
}

// Pay 결제 수행
// PG 호출은 어떤 트랜잭션에도 포함되지 않는다.
func (c *Checkout) Pay(ctx context.Context, cmd PayCommand) (*domain.Payment, error) {
	order, err := c.deps.Orders.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}

	payment, err := c.payments.CreatePending(ctx, CreatePendingCommand{
		UserID:    cmd.UserID,
		Order:     order,
		UsedPoint: cmd.UsedPoint,
		Card:      cmd.Card,
	})
	if err != nil {
		return nil, err
	}

	var result domain.PgCreateResult = domain.PgNotRequired{}
	attemptedAt := c.deps.now()
	if !payment.PaidAmount.IsZero() {
		result = c.deps.Gateway.RequestPayment(ctx, payment.PaidAmount, cmd.Card, payment.OrderID)
	}

	c.deps.Logger.Info("PG request finished",
		zap.Int64("paymentId", payment.ID),
		zap.Stringer("result", result))

	return c.payments.Initiate(ctx, payment.ID, result, attemptedAt)
}
