package collaborator

import (
	"context"
	"database/sql"
	"sort"

	"github.com/kyungseok/payment-reconciliation/common/database"
	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
)

// StockClient 재고 테이블 어댑터
type StockClient struct {
	db *sql.DB
	tx database.Transactor
}

// NewStockClient 재고 어댑터 생성
func NewStockClient(db *sql.DB, tx database.Transactor) *StockClient {
	return &StockClient{db: db, tx: tx}
}

// DecreaseStock 주문 상품 전체 재고 차감
// 모든 상품을 먼저 잠그고 검증한 뒤 차감하므로 부족 시 아무것도 차감되지 않는다.
func (c *StockClient) DecreaseStock(ctx context.Context, items []domain.LineItem) error {
	if len(items) == 0 {
		return nil
	}

	merged := mergeLineItems(items)

	return c.tx.Within(ctx, func(ctx context.Context) error {
		conn := database.Conn(ctx, c.db)

		for _, item := range merged {
			var available int
			err := conn.QueryRowContext(ctx, `
				SELECT quantity FROM stocks WHERE product_id = $1 FOR UPDATE
			`, item.ProductID).Scan(&available)
			if err == sql.ErrNoRows {
				return errors.Newf(errors.ErrCodeProductNotFound, "product not found: %d", item.ProductID)
			}
			if err != nil {
				return errors.Wrap(errors.ErrCodeDatabaseError, "failed to lock stock", err)
			}
			if available < item.Quantity {
				return errors.Newf(errors.ErrCodeInsufficientStock,
					"재고 부족: product=%d available=%d requested=%d", item.ProductID, available, item.Quantity)
			}
		}

		for _, item := range merged {
			_, err := conn.ExecContext(ctx, `
				UPDATE stocks SET quantity = quantity - $1, updated_at = NOW() WHERE product_id = $2
			`, item.Quantity, item.ProductID)
			if err != nil {
				return errors.Wrap(errors.ErrCodeDatabaseError, "failed to decrease stock", err)
			}
		}
		return nil
	})
}

// mergeLineItems 상품별 수량 합산 후 product_id 순 정렬 (잠금 순서 고정)
func mergeLineItems(items []domain.LineItem) []domain.LineItem {
	totals := make(map[int64]int, len(items))
	for _, item := range items {
		totals[item.ProductID] += item.Quantity
	}

	merged := make([]domain.LineItem, 0, len(totals))
	for productID, qty := range totals {
		merged = append(merged, domain.LineItem{ProductID: productID, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged
}
