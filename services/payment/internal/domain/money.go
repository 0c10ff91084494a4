package domain

import (
	"strconv"

	"github.com/kyungseok/payment-reconciliation/common/errors"
)

// Money 원 단위 금액 (음수 불가)
type Money int64

// Zero 0원
const Zero Money = 0

// NewMoney 금액 생성
func NewMoney(amount int64) (Money, error) {
	if amount < 0 {
		return Zero, errors.Newf(errors.ErrCodeValidation, "금액은 0 이상이어야 합니다: %d", amount)
	}
	return Money(amount), nil
}

// Sub 금액 빼기 (피연산자나 결과가 음수면 에러)
func (m Money) Sub(other Money) (Money, error) {
	if m < Zero || other < Zero {
		return Zero, errors.Newf(errors.ErrCodeValidation, "금액은 0 이상이어야 합니다: %d, %d", m, other)
	}
	if other > m {
		return Zero, errors.Newf(errors.ErrCodeValidation, "차감 금액이 원금보다 큽니다: %d - %d", m, other)
	}
	return m - other, nil
}

// IsZero 0원 여부
func (m Money) IsZero() bool {
	return m == Zero
}

// Int64 정수 변환
func (m Money) Int64() int64 {
	return int64(m)
}

func (m Money) String() string {
	return strconv.FormatInt(int64(m), 10)
}
