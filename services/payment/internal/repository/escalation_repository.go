package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kyungseok/payment-reconciliation/common/database"
	"github.com/kyungseok/payment-reconciliation/common/errors"
)

// Escalation PG 승인 후 이행 실패로 수동 처리(PG 취소)가 필요한 결제
type Escalation struct {
	ID                 int64
	PaymentID          int64
	OrderID            int64
	ExternalPaymentKey string
	Amount             int64
	Reason             string
	CreatedAt          time.Time
	ResolvedAt         *time.Time
}

// EscalationRepository 수동 처리 대상 레포지토리 인터페이스
type EscalationRepository interface {
	// Create 결제당 한 건만 기록 (중복 호출은 무시)
	Create(ctx context.Context, escalation *Escalation) error
	FindOpen(ctx context.Context, limit int) ([]*Escalation, error)
}

type escalationRepository struct {
	db *sql.DB
}

// NewEscalationRepository 수동 처리 대상 레포지토리 생성
func NewEscalationRepository(db *sql.DB) EscalationRepository {
	return &escalationRepository{db: db}
}

// Create 수동 처리 대상 기록
func (r *escalationRepository) Create(ctx context.Context, escalation *Escalation) error {
	query := `
		INSERT INTO payment_escalations (payment_id, order_id, external_payment_key, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_id) DO NOTHING
	`

	_, err := database.Conn(ctx, r.db).ExecContext(
		ctx,
		query,
		escalation.PaymentID,
		escalation.OrderID,
		escalation.ExternalPaymentKey,
		escalation.Amount,
		escalation.Reason,
		escalation.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to create escalation", err)
	}
	return nil
}

// FindOpen 미해결 건 조회
func (r *escalationRepository) FindOpen(ctx context.Context, limit int) ([]*Escalation, error) {
	query := `
		SELECT id, payment_id, order_id, external_payment_key, amount, reason, created_at
		FROM payment_escalations
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find escalations", err)
	}
	defer rows.Close()

	var result []*Escalation
	for rows.Next() {
		e := &Escalation{}
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.OrderID, &e.ExternalPaymentKey, &e.Amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to scan escalation", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to iterate escalations", err)
	}
	return result, nil
}
