package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/database"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/metrics"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/repository"
)

// OrderPort 주문 서비스 계약
type OrderPort interface {
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	CompleteOrderWithPayment(ctx context.Context, orderID int64) error
	FailOrder(ctx context.Context, orderID int64) error
	FindStalePendingOrderIDs(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error)
}

// StockPort 재고 서비스 계약
// 재고 부족(INSUFFICIENT_STOCK)과 상품 없음(PRODUCT_NOT_FOUND)을 구분해서 반환해야 한다.
type StockPort interface {
	DecreaseStock(ctx context.Context, items []domain.LineItem) error
}

// PointPort 포인트 서비스 계약
type PointPort interface {
	Use(ctx context.Context, userID int64, amount domain.Money) error
	Rollback(ctx context.Context, userID int64, amount domain.Money) error
}

// Gateway PG 계약
type Gateway interface {
	// RequestPayment 전송 실패를 포함한 모든 예상 가능한 결과를 PgCreateResult로 반환
	RequestPayment(ctx context.Context, amount domain.Money, card domain.CardInfo, orderID int64) domain.PgCreateResult
	// FindTransaction 거래가 없으면 PG_TRANSACTION_NOT_FOUND
	FindTransaction(ctx context.Context, transactionKey string) (*domain.PgTransaction, error)
	FindTransactionsByOrder(ctx context.Context, orderID int64) ([]domain.PgTransaction, error)
}

// Dependencies 결제 서비스 공통 의존성
type Dependencies struct {
	Tx          database.Transactor
	Payments    repository.PaymentRepository
	Outbox      repository.OutboxRepository
	Escalations repository.EscalationRepository
	Orders      OrderPort
	Stock       StockPort
	Points      PointPort
	Gateway     Gateway
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
}

func (d Dependencies) now() time.Time {
	if d.Clock == nil {
		return time.Now()
	}
	return d.Clock()
}
