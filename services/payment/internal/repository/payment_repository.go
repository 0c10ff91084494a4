package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/lib/pq"

	"github.com/kyungseok/payment-reconciliation/common/database"
	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
)

const uniqueViolation = "23505"

// PaymentRepository 결제 레포지토리 인터페이스
type PaymentRepository interface {
	Create(ctx context.Context, payment *domain.Payment) error
	FindByID(ctx context.Context, id int64) (*domain.Payment, error)
	FindByKey(ctx context.Context, key string) (*domain.Payment, error)
	FindActiveByOrderID(ctx context.Context, orderID int64) (*domain.Payment, error)
	FindStaleOrderIDs(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error)
	Update(ctx context.Context, payment *domain.Payment) error
}

type paymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository 결제 레포지토리 생성
func NewPaymentRepository(db *sql.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

const paymentColumns = `id, transaction_key, external_payment_key, order_id, user_id, status, card_type, masked_card_no,
		total_amount, used_point, coupon_discount, paid_amount, reason, version, attempted_at, created_at, updated_at`

// Create 결제 생성
func (r *paymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (transaction_key, order_id, user_id, status, card_type, masked_card_no,
			total_amount, used_point, coupon_discount, paid_amount, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12)
		RETURNING id
	`

	err := database.Conn(ctx, r.db).QueryRowContext(
		ctx,
		query,
		payment.TransactionKey,
		payment.OrderID,
		payment.UserID,
		payment.Status,
		nullString(string(payment.CardType)),
		nullString(payment.MaskedCardNo),
		payment.TotalAmount.Int64(),
		payment.UsedPoint.Int64(),
		payment.CouponDiscount.Int64(),
		payment.PaidAmount.Int64(),
		payment.CreatedAt,
		payment.UpdatedAt,
	).Scan(&payment.ID)

	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return errors.Wrap(errors.ErrCodeValidation, "payment already exists for transaction key or active order", err)
		}
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to create payment", err)
	}

	payment.Version = 0
	return nil
}

// FindByID ID로 결제 조회
func (r *paymentRepository) FindByID(ctx context.Context, id int64) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	payment, err := scanPayment(database.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodePaymentNotFound, "payment not found: %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find payment", err)
	}
	return payment, nil
}

// FindByKey PG 거래 키 또는 자체 transactionKey로 결제 조회
func (r *paymentRepository) FindByKey(ctx context.Context, key string) (*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE external_payment_key = $1 OR transaction_key = $1
		ORDER BY (external_payment_key = $1) DESC NULLS LAST
		LIMIT 1
	`

	payment, err := scanPayment(database.Conn(ctx, r.db).QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodePaymentNotFound, "payment not found with key: %s", key)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find payment", err)
	}
	return payment, nil
}

// FindActiveByOrderID 주문의 진행 중(PENDING, IN_PROGRESS) 결제 중 가장 최근 건 조회
func (r *paymentRepository) FindActiveByOrderID(ctx context.Context, orderID int64) (*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE order_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY created_at DESC
		LIMIT 1
	`

	payment, err := scanPayment(database.Conn(ctx, r.db).QueryRowContext(ctx, query, orderID))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodePaymentNotFound, "active payment not found for order: %d", orderID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find payment", err)
	}
	return payment, nil
}

// FindStaleOrderIDs 기준 시각 이전에 생성되어 아직 종결되지 않은 결제의 주문 ID 조회
// (status, created_at) 복합 인덱스를 사용한다.
func (r *paymentRepository) FindStaleOrderIDs(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error) {
	query := `
		SELECT order_id
		FROM payments
		WHERE status IN ('PENDING', 'IN_PROGRESS') AND created_at < $1
		GROUP BY order_id
		ORDER BY MIN(created_at) ASC
		LIMIT $2
	`

	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find stale payments", err)
	}
	defer rows.Close()

	var orderIDs []int64
	for rows.Next() {
		var orderID int64
		if err := rows.Scan(&orderID); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to scan order id", err)
		}
		orderIDs = append(orderIDs, orderID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to iterate stale payments", err)
	}

	return orderIDs, nil
}

// Update 낙관적 락을 사용한 결제 상태 업데이트
// 읽은 시점 이후 다른 쓰기가 있었다면 OPTIMISTIC_LOCK_CONFLICT 반환
func (r *paymentRepository) Update(ctx context.Context, payment *domain.Payment) error {
	query := `
		UPDATE payments
		SET external_payment_key = $1, status = $2, reason = $3, attempted_at = $4,
			updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7
	`

	result, err := database.Conn(ctx, r.db).ExecContext(
		ctx,
		query,
		nullString(payment.ExternalPaymentKey),
		payment.Status,
		nullString(payment.Reason),
		payment.AttemptedAt,
		payment.UpdatedAt,
		payment.ID,
		payment.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return errors.Wrap(errors.ErrCodeValidation, "duplicate external payment key", err)
		}
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to update payment", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return errors.Newf(errors.ErrCodeOptimisticLock,
			"payment %d was modified concurrently (version %d)", payment.ID, payment.Version)
	}

	payment.Version++
	return nil
}

func scanPayment(row *sql.Row) (*domain.Payment, error) {
	var (
		p           domain.Payment
		externalKey sql.NullString
		cardType    sql.NullString
		maskedNo    sql.NullString
		reason      sql.NullString
		attemptedAt sql.NullTime
		total       int64
		point       int64
		coupon      int64
		paid        int64
	)

	err := row.Scan(
		&p.ID,
		&p.TransactionKey,
		&externalKey,
		&p.OrderID,
		&p.UserID,
		&p.Status,
		&cardType,
		&maskedNo,
		&total,
		&point,
		&coupon,
		&paid,
		&reason,
		&p.Version,
		&attemptedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ExternalPaymentKey = externalKey.String
	p.CardType = domain.CardType(cardType.String)
	p.MaskedCardNo = maskedNo.String
	p.Reason = reason.String
	p.TotalAmount = domain.Money(total)
	p.UsedPoint = domain.Money(point)
	p.CouponDiscount = domain.Money(coupon)
	p.PaidAmount = domain.Money(paid)
	if attemptedAt.Valid {
		t := attemptedAt.Time
		p.AttemptedAt = &t
	}

	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
