package collaborator

import (
	"context"
	"database/sql"
	"time"

	"github.com/kyungseok/payment-reconciliation/common/database"
	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
)

// OrderClient 주문 테이블 어댑터
// 진행 중인 결제 트랜잭션이 context에 있으면 같은 트랜잭션에서 실행된다.
type OrderClient struct {
	db *sql.DB
}

// NewOrderClient 주문 어댑터 생성
func NewOrderClient(db *sql.DB) *OrderClient {
	return &OrderClient{db: db}
}

// GetOrder 주문과 주문 상품 조회
func (c *OrderClient) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	conn := database.Conn(ctx, c.db)

	var (
		order  domain.Order
		total  int64
		coupon int64
	)
	err := conn.QueryRowContext(ctx, `
		SELECT id, user_id, status, total_amount, coupon_discount FROM orders WHERE id = $1
	`, orderID).Scan(&order.ID, &order.UserID, &order.Status, &total, &coupon)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeOrderNotFound, "order not found: %d", orderID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find order", err)
	}
	order.TotalAmount = domain.Money(total)
	order.CouponDiscount = domain.Money(coupon)

	rows, err := conn.QueryContext(ctx, `
		SELECT product_id, quantity FROM order_items WHERE order_id = $1 ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find order items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to scan order item", err)
		}
		order.LineItems = append(order.LineItems, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to iterate order items", err)
	}

	return &order, nil
}

// CompleteOrderWithPayment 주문 완료 (이미 완료된 주문이면 무시)
func (c *OrderClient) CompleteOrderWithPayment(ctx context.Context, orderID int64) error {
	return c.transition(ctx, orderID, domain.OrderStatusCompleted)
}

// FailOrder 주문 실패 (이미 실패한 주문이면 무시)
func (c *OrderClient) FailOrder(ctx context.Context, orderID int64) error {
	return c.transition(ctx, orderID, domain.OrderStatusFailed)
}

// FindStalePendingOrderIDs 기준 시각 이전에 생성되어 아직 PENDING인 주문 조회
func (c *OrderClient) FindStalePendingOrderIDs(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error) {
	rows, err := database.Conn(ctx, c.db).QueryContext(ctx, `
		SELECT id FROM orders
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find stale orders", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to scan order id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to iterate stale orders", err)
	}
	return ids, nil
}

// transition PENDING 주문만 목표 상태로 전이 (Semantic Lock)
func (c *OrderClient) transition(ctx context.Context, orderID int64, target domain.OrderStatus) error {
	conn := database.Conn(ctx, c.db)

	result, err := conn.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND status = 'PENDING'
	`, target, orderID)
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to update order status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to get rows affected", err)
	}
	if affected > 0 {
		return nil
	}

	var current domain.OrderStatus
	err = conn.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&current)
	if err == sql.ErrNoRows {
		return errors.Newf(errors.ErrCodeOrderNotFound, "order not found: %d", orderID)
	}
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to find order", err)
	}
	if current == target {
		return nil
	}
	return errors.Newf(errors.ErrCodeOrderStateConflict, "order %d is %s, cannot move to %s", orderID, current, target)
}
