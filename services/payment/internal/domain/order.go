package domain

// OrderStatus 주문 상태 (주문 서비스 소유)
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// LineItem 주문 상품 한 줄
type LineItem struct {
	ProductID int64
	Quantity  int
}

// Order 결제가 참조하는 주문 스냅샷 (주문 서비스 소유)
type Order struct {
	ID             int64
	UserID         int64
	Status         OrderStatus
	TotalAmount    Money
	CouponDiscount Money
	LineItems      []LineItem
}

// IsPayable 결제를 시작할 수 있는 주문인지 확인
func (o *Order) IsPayable() bool {
	return o.Status == OrderStatusPending
}
