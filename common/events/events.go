package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType 이벤트 타입 정의
type EventType string

const (
	// Payment Events
	EventPaymentPaid           EventType = "payment.paid.v1"
	EventPaymentFailed         EventType = "payment.failed.v1"
	EventPaymentCancelRequired EventType = "payment.cancel_required.v1"

	// PG Events
	EventPgCallback EventType = "pg.callback.v1"
)

// BaseEvent 모든 이벤트의 기본 구조
type BaseEvent struct {
	EventID       string    `json:"eventId"`
	EventType     EventType `json:"eventType"`
	SchemaVersion int       `json:"schemaVersion"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"` // 결제 transactionKey 사용
}

// NewBaseEvent 새 이벤트 ID로 기본 구조 생성
func NewBaseEvent(eventType EventType, correlationID string, occurredAt time.Time) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: 1,
		OccurredAt:    occurredAt,
		CorrelationID: correlationID,
	}
}

// PaymentPaidEvent 결제 완료 이벤트
type PaymentPaidEvent struct {
	BaseEvent
	PaymentID          int64  `json:"paymentId"`
	OrderID            int64  `json:"orderId"`
	UserID             int64  `json:"userId"`
	TransactionKey     string `json:"transactionKey"`
	ExternalPaymentKey string `json:"externalPaymentKey,omitempty"`
	PaidAmount         int64  `json:"paidAmount"`
}

// PaymentFailedEvent 결제 실패 이벤트
// 하위 보상 컨슈머가 쿠폰 복원 등에 사용할 금액 정보를 포함한다.
type PaymentFailedEvent struct {
	BaseEvent
	PaymentID      int64  `json:"paymentId"`
	OrderID        int64  `json:"orderId"`
	UserID         int64  `json:"userId"`
	TransactionKey string `json:"transactionKey"`
	Reason         string `json:"reason"`
	UsedPoint      int64  `json:"usedPoint"`
	CouponDiscount int64  `json:"couponDiscount"`
	PointRefunded  bool   `json:"pointRefunded"`
}

// PaymentCancelRequiredEvent PG 승인 후 이행 실패로 수동 취소가 필요한 결제
type PaymentCancelRequiredEvent struct {
	BaseEvent
	PaymentID          int64  `json:"paymentId"`
	OrderID            int64  `json:"orderId"`
	ExternalPaymentKey string `json:"externalPaymentKey"`
	Amount             int64  `json:"amount"`
	Reason             string `json:"reason"`
}

// PgCallbackEvent PG 콜백을 브로커로 중계한 메시지
type PgCallbackEvent struct {
	TransactionKey string `json:"transactionKey"`
	OrderID        int64  `json:"orderId,omitempty"`
	Status         string `json:"status,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
