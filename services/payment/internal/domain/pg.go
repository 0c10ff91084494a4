package domain

import "fmt"

// PgStatus PG측 거래 상태 (결제 상태와 별개)
type PgStatus string

const (
	PgStatusPending PgStatus = "PENDING"
	PgStatusSuccess PgStatus = "SUCCESS"
	PgStatusFailed  PgStatus = "FAILED"
)

// PgTransaction PG가 바라본 거래
type PgTransaction struct {
	TransactionKey string
	OrderID        int64
	CardType       CardType
	CardNo         string
	Amount         Money
	Status         PgStatus
	FailureReason  string
}

// PgCreateResult 결제 요청 결과
// 호출자가 PG의 요청 수신 여부에 대해 얼마나 가정할 수 있는지를 나타낸다.
// 구현체: PgAccepted, PgUncertain, PgNotReached, PgNotRequired
type PgCreateResult interface {
	isPgCreateResult()
	fmt.Stringer
}

// PgAccepted PG가 요청을 접수하고 거래 키를 발급함
type PgAccepted struct {
	TransactionKey string
}

// PgUncertain PG 도달 여부를 알 수 없음 (타임아웃, 5xx)
type PgUncertain struct {
	Cause error
}

// PgNotReached PG에 도달하지 않았음이 확실함 (4xx 거절 등)
type PgNotReached struct {
	Cause error
}

// PgNotRequired 카드 결제 금액이 없어 PG 호출 불필요
type PgNotRequired struct{}

func (PgAccepted) isPgCreateResult()    {}
func (PgUncertain) isPgCreateResult()   {}
func (PgNotReached) isPgCreateResult()  {}
func (PgNotRequired) isPgCreateResult() {}

func (r PgAccepted) String() string   { return "Accepted(" + r.TransactionKey + ")" }
func (r PgUncertain) String() string  { return "Uncertain" }
func (r PgNotReached) String() string { return "NotReached" }
func (PgNotRequired) String() string  { return "NotRequired" }
