package domain

import (
	"time"

	"github.com/kyungseok/payment-reconciliation/common/errors"
)

// PaymentStatus 결제 상태
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusInProgress PaymentStatus = "IN_PROGRESS"
	PaymentStatusPaid       PaymentStatus = "PAID"
	PaymentStatusFailed     PaymentStatus = "FAILED"
)

// IsTerminal 종결 상태 여부
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusFailed
}

// 실패 사유
const (
	ReasonPgUnreachable        = "PG unreachable"
	ReasonInsufficientStock    = "재고 부족"
	ReasonNoActivePayment      = "유효한 결제 시도 없음"
	ReasonPgFailed             = "PG 결제 실패"
	ReasonPgTransactionMissing = "PG 거래 없음"
	ReasonExpired              = "결제 시간 초과"
	ReasonOrderClosed          = "주문 종결"
)

var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusInProgress, PaymentStatusFailed},
	PaymentStatusInProgress: {PaymentStatusPaid, PaymentStatusFailed},
}

// Payment 결제 애그리거트
type Payment struct {
	ID                 int64
	TransactionKey     string
	ExternalPaymentKey string
	OrderID            int64
	UserID             int64
	Status             PaymentStatus
	CardType           CardType
	MaskedCardNo       string
	TotalAmount        Money
	UsedPoint          Money
	CouponDiscount     Money
	PaidAmount         Money
	Reason             string
	Version            int64
	AttemptedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewPaymentParams 결제 생성 파라미터
type NewPaymentParams struct {
	TransactionKey string
	OrderID        int64
	UserID         int64
	TotalAmount    Money
	UsedPoint      Money
	CouponDiscount Money
	Card           CardInfo
	Now            time.Time
}

// NewPayment PENDING 결제 생성
func NewPayment(p NewPaymentParams) (*Payment, error) {
	if p.TransactionKey == "" {
		return nil, errors.New(errors.ErrCodeValidation, "transactionKey는 필수입니다")
	}
	if p.OrderID <= 0 || p.UserID <= 0 {
		return nil, errors.New(errors.ErrCodeValidation, "주문과 사용자 정보는 필수입니다")
	}
	for _, m := range []Money{p.TotalAmount, p.UsedPoint, p.CouponDiscount} {
		if m < Zero {
			return nil, errors.New(errors.ErrCodeValidation, "금액은 0 이상이어야 합니다")
		}
	}

	afterPoint, err := p.TotalAmount.Sub(p.UsedPoint)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidation, "사용 포인트가 주문 금액을 초과합니다", err)
	}
	paid, err := afterPoint.Sub(p.CouponDiscount)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidation, "할인 금액이 결제 금액을 초과합니다", err)
	}
	if !paid.IsZero() && p.Card.IsEmpty() {
		return nil, errors.New(errors.ErrCodeValidation, "카드 결제 금액이 있으면 카드 정보가 필요합니다")
	}

	payment := &Payment{
		TransactionKey: p.TransactionKey,
		OrderID:        p.OrderID,
		UserID:         p.UserID,
		Status:         PaymentStatusPending,
		CardType:       p.Card.Type(),
		MaskedCardNo:   p.Card.Masked(),
		TotalAmount:    p.TotalAmount,
		UsedPoint:      p.UsedPoint,
		CouponDiscount: p.CouponDiscount,
		PaidAmount:     paid,
		CreatedAt:      p.Now,
		UpdatedAt:      p.Now,
	}
	if err := payment.ValidateAmounts(); err != nil {
		return nil, err
	}
	return payment, nil
}

// ValidateAmounts paidAmount = totalAmount - usedPoint - couponDiscount 불변식 검사
func (p *Payment) ValidateAmounts() error {
	if p.PaidAmount < Zero || p.TotalAmount-p.UsedPoint-p.CouponDiscount != p.PaidAmount {
		return errors.Newf(errors.ErrCodeValidation,
			"결제 금액 불일치: total=%d point=%d coupon=%d paid=%d",
			p.TotalAmount, p.UsedPoint, p.CouponDiscount, p.PaidAmount)
	}
	return nil
}

// Card 저장된 카드 정보
func (p *Payment) Card() CardInfo {
	return RestoreCardInfo(p.CardType, p.MaskedCardNo)
}

// IsTerminal 종결 상태 여부
func (p *Payment) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// CanTransitionTo 상태 전이 가능 여부 확인
func (p *Payment) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range transitions[p.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Start PG 접수 완료 (PENDING -> IN_PROGRESS)
func (p *Payment) Start(externalKey string, now time.Time) error {
	if externalKey == "" {
		return errors.New(errors.ErrCodeValidation, "PG 거래 키가 비어 있습니다")
	}
	if !p.CanTransitionTo(PaymentStatusInProgress) {
		return errors.Newf(errors.ErrCodeInvalidState, "대기 상태에서만 결제를 진행할 수 있습니다: %s", p.Status)
	}
	p.ExternalPaymentKey = externalKey
	p.Status = PaymentStatusInProgress
	p.UpdatedAt = now
	return nil
}

// Succeed 결제 성공 (IN_PROGRESS -> PAID)
func (p *Payment) Succeed(externalKey string, now time.Time) error {
	if !p.CanTransitionTo(PaymentStatusPaid) {
		return errors.New(errors.ErrCodeInvalidState, "결제 진행 중 상태에서만 성공 처리할 수 있습니다")
	}
	if externalKey != "" && externalKey != p.ExternalPaymentKey {
		return errors.Newf(errors.ErrCodeValidation, "PG 거래 키가 일치하지 않습니다: %s", externalKey)
	}
	p.Status = PaymentStatusPaid
	p.UpdatedAt = now
	return nil
}

// CompleteWithoutCharge 카드 결제 금액이 없는 결제 완료 (PENDING -> PAID)
// PG를 거치지 않는 전액 포인트 결제만 허용된다.
func (p *Payment) CompleteWithoutCharge(now time.Time) error {
	if p.Status != PaymentStatusPending {
		return errors.Newf(errors.ErrCodeInvalidState, "대기 상태에서만 결제를 완료할 수 있습니다: %s", p.Status)
	}
	if !p.PaidAmount.IsZero() {
		return errors.New(errors.ErrCodeInvalidState, "카드 결제 금액이 있는 결제는 PG 승인이 필요합니다")
	}
	p.Status = PaymentStatusPaid
	p.UpdatedAt = now
	return nil
}

// Fail 결제 실패 (PENDING|IN_PROGRESS -> FAILED)
// 이미 실패한 결제면 변경 없이 false 반환
func (p *Payment) Fail(reason string, now time.Time) (bool, error) {
	if p.Status == PaymentStatusFailed {
		return false, nil
	}
	if !p.CanTransitionTo(PaymentStatusFailed) {
		return false, errors.Newf(errors.ErrCodeInvalidState, "결제 완료 건은 실패 처리할 수 없습니다: %s", p.Status)
	}
	p.Status = PaymentStatusFailed
	p.Reason = reason
	p.UpdatedAt = now
	return true, nil
}
