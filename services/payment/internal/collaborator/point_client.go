package collaborator

import (
	"context"
	"database/sql"

	"github.com/kyungseok/payment-reconciliation/common/database"
	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
)

// PointClient 포인트 지갑 어댑터
type PointClient struct {
	db *sql.DB
}

// NewPointClient 포인트 어댑터 생성
func NewPointClient(db *sql.DB) *PointClient {
	return &PointClient{db: db}
}

// Use 포인트 사용
func (c *PointClient) Use(ctx context.Context, userID int64, amount domain.Money) error {
	if amount.IsZero() {
		return nil
	}

	result, err := database.Conn(ctx, c.db).ExecContext(ctx, `
		UPDATE point_wallets
		SET balance = balance - $1, updated_at = NOW()
		WHERE user_id = $2 AND balance >= $1
	`, amount.Int64(), userID)
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to use point", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to get rows affected", err)
	}
	if affected == 0 {
		return errors.Newf(errors.ErrCodeInsufficientPoint, "포인트가 부족합니다: user=%d amount=%d", userID, amount)
	}
	return nil
}

// Rollback 사용한 포인트 복원
func (c *PointClient) Rollback(ctx context.Context, userID int64, amount domain.Money) error {
	if amount.IsZero() {
		return nil
	}

	result, err := database.Conn(ctx, c.db).ExecContext(ctx, `
		UPDATE point_wallets
		SET balance = balance + $1, updated_at = NOW()
		WHERE user_id = $2
	`, amount.Int64(), userID)
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to rollback point", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to get rows affected", err)
	}
	if affected == 0 {
		return errors.Newf(errors.ErrCodeValidation, "point wallet not found: user=%d", userID)
	}
	return nil
}
